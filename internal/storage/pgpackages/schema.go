package pgpackages

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS packages (
  tracking_number TEXT PRIMARY KEY,
  carrier TEXT NOT NULL,
  friendly_name TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  info_text TEXT NOT NULL DEFAULT '',
  location TEXT NOT NULL DEFAULT '',
  delivered_at TIMESTAMPTZ NULL,
  source TEXT NOT NULL,
  registered BOOLEAN NOT NULL DEFAULT FALSE,
  last_checked_at TIMESTAMPTZ NULL,
  last_ok_at TIMESTAMPTZ NULL,
  check_fail_count INT NOT NULL DEFAULT 0,
  last_error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_status ON packages(status)`,
		`
CREATE TABLE IF NOT EXISTS package_events (
  id BIGSERIAL PRIMARY KEY,
  tracking_number TEXT NOT NULL REFERENCES packages(tracking_number) ON DELETE CASCADE,
  event_time TIMESTAMPTZ NOT NULL,
  description TEXT NOT NULL,
  location TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_package_events_number_time ON package_events(tracking_number, event_time DESC)`,
		// Enforce the history dedup key: one event per (number, time, description).
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_package_events_dedup ON package_events(tracking_number, event_time, description)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
