package mailbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// JSONDirReader reads messages from a spool directory of .json files, one
// message per file. Files are handed out in name order, so a
// timestamp-prefixed naming scheme gives chronological delivery. Malformed
// files are logged and skipped, not retried.
type JSONDirReader struct {
	dir string

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewJSONDirReader(dir string) *JSONDirReader {
	return &JSONDirReader{dir: dir, seen: make(map[string]struct{})}
}

func (r *JSONDirReader) Fetch(ctx context.Context, limit int) ([]Message, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read spool dir")
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Message
	for _, name := range names {
		if limit > 0 && len(out) >= limit {
			break
		}
		if _, ok := r.seen[name]; ok {
			continue
		}
		r.seen[name] = struct{}{}

		b, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			slog.Warn("read spool file", "file", name, "error", err.Error())
			continue
		}
		var m Message
		if err := json.Unmarshal(b, &m); err != nil {
			slog.Warn("malformed spool file", "file", name, "error", err.Error())
			continue
		}
		if m.ID == "" {
			m.ID = name
		}
		out = append(out, m)
	}
	return out, nil
}
