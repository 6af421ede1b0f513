// Package emailscan discovers tracking numbers in shipment notification
// emails and hands them to the tracker as auto-discovered packages.
package emailscan

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/ColisBox/ColisBox/internal/carriers"
	"github.com/ColisBox/ColisBox/internal/mailbox"
	"github.com/ColisBox/ColisBox/internal/models"
	"github.com/pkg/errors"
)

// Mode controls which messages are considered.
//
// В режиме allowlist обрабатываются только письма от известных перевозчиков,
// catchall смотрит все письма выделенного ящика.
type Mode string

const (
	ModeAllowlist Mode = "allowlist"
	ModeCatchall  Mode = "catchall"
)

type Tracker interface {
	AddPackage(ctx context.Context, in models.PackageCreateInput) (*models.Package, error)
}

type Lister interface {
	List(ctx context.Context) ([]*models.Package, error)
}

// numberPatterns match candidate tracking numbers in subject and body.
// Keyword patterns catch "suivi: X" / "tracking: X" phrasings, the rest are
// carrier-specific formats.
var numberPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:suivi|tracking|n[°o]?\s*(?:de\s+)?colis|shipment)\s*[:=]?\s*([A-Z0-9]{10,30})`),
	regexp.MustCompile(`(?i)(?:track|suivre)[^\n]*?([A-Z0-9]{10,30})`),
	regexp.MustCompile(`(?i)\b(1Z[A-Z0-9]{16})\b`),
	regexp.MustCompile(`(?i)\b(TBA\d{12,})\b`),
	regexp.MustCompile(`(?i)\b([A-Z]{2}\d{9}FR)\b`),
	regexp.MustCompile(`(?i)\b(6[A-Z]\d{11})\b`),
	regexp.MustCompile(`(?i)\b(L[RPT][A-Z0-9]{7,9}[A-Z]{2})\b`),
	regexp.MustCompile(`(?i)\b(JJD\d{18})\b`),
}

// Scanner reads batches of messages and extracts new tracking numbers.
// Numbers already under tracking are skipped, so re-reading a notification
// never causes extra registrations.
type Scanner struct {
	reader  mailbox.Reader
	tracker Tracker
	store   Lister

	mode       Mode
	fetchLimit int

	totalScanned    atomic.Int64
	totalDiscovered atomic.Int64
}

func New(reader mailbox.Reader, tracker Tracker, store Lister, mode Mode, fetchLimit int) *Scanner {
	if mode != ModeCatchall {
		mode = ModeAllowlist
	}
	if fetchLimit <= 0 {
		fetchLimit = 50
	}
	return &Scanner{reader: reader, tracker: tracker, store: store, mode: mode, fetchLimit: fetchLimit}
}

type Stats struct {
	TotalScanned    int64 `json:"totalScanned"`
	TotalDiscovered int64 `json:"totalDiscovered"`
}

func (s *Scanner) Stats() Stats {
	return Stats{
		TotalScanned:    s.totalScanned.Load(),
		TotalDiscovered: s.totalDiscovered.Load(),
	}
}

// ScanOnce processes one batch of messages and returns how many new
// packages were added. A failing add skips the number, not the pass.
func (s *Scanner) ScanOnce(ctx context.Context) (int, error) {
	msgs, err := s.reader.Fetch(ctx, s.fetchLimit)
	if err != nil {
		return 0, errors.Wrap(err, "fetch messages")
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	s.totalScanned.Add(int64(len(msgs)))

	known, err := s.knownNumbers(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list known numbers")
	}

	added := 0
	for _, msg := range msgs {
		senderCarrier := carriers.FromEmailSender(msg.Sender)
		if s.mode == ModeAllowlist && senderCarrier == models.CarrierUnknown {
			continue
		}

		name := friendlyName(msg.Subject)
		for _, num := range extractNumbers(msg.Subject + "\n" + msg.Body) {
			if _, ok := known[num]; ok {
				continue
			}
			known[num] = struct{}{}

			carrier := senderCarrier
			if carrier == models.CarrierUnknown {
				carrier = carriers.DetectOne(num)
			}
			_, err := s.tracker.AddPackage(ctx, models.PackageCreateInput{
				TrackingNumber: num,
				Carrier:        carrier,
				FriendlyName:   name,
				Source:         models.SourceEmailAuto,
			})
			if err != nil {
				slog.Error("add discovered package", "number", num, "sender", msg.Sender, "error", err.Error())
				continue
			}
			added++
			slog.Info("package discovered from email", "number", num, "carrier", carrier, "sender", msg.Sender)
		}
	}
	s.totalDiscovered.Add(int64(added))
	return added, nil
}

// Run scans on a fixed interval until the context is cancelled.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := s.ScanOnce(ctx); err != nil {
				slog.Error("email scan", "error", err.Error())
			}
		}
	}
}

func (s *Scanner) knownNumbers(ctx context.Context) (map[string]struct{}, error) {
	pkgs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(pkgs))
	for _, p := range pkgs {
		known[p.TrackingNumber] = struct{}{}
	}
	return known, nil
}

// extractNumbers returns unique candidates in match order. Candidates
// without a digit are dropped: the keyword patterns would otherwise pick up
// ordinary long words.
func extractNumbers(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, re := range numberPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			num := strings.ToUpper(m[1])
			if !containsDigit(num) {
				continue
			}
			if _, ok := seen[num]; ok {
				continue
			}
			seen[num] = struct{}{}
			out = append(out, num)
		}
	}
	return out
}

func containsDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func friendlyName(subject string) string {
	name := strings.TrimSpace(subject)
	if r := []rune(name); len(r) > 60 {
		name = string(r[:60])
	}
	return name
}
