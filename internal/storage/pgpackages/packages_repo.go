package pgpackages

import (
	"context"
	"time"

	"github.com/ColisBox/ColisBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const packageColumns = `
  tracking_number, carrier, friendly_name,
  status, info_text, location,
  delivered_at, source, registered,
  last_checked_at, last_ok_at, check_fail_count, last_error,
  created_at, updated_at`

// Create вставляет трек или мержит метаданные в существующий. Повторное
// добавление того же номера — идемпотентный успех.
func (s *Storage) Create(ctx context.Context, in models.PackageCreateInput) (*models.Package, bool, error) {
	number := models.NormalizeTrackingNumber(in.TrackingNumber)
	carrier := in.Carrier
	if carrier == "" {
		carrier = models.CarrierUnknown
	}
	source := in.Source
	if source == "" {
		source = models.SourceManual
	}
	now := time.Now().UTC()

	row := s.db.QueryRow(ctx, `
INSERT INTO packages (
  tracking_number, carrier, friendly_name, status, source, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$6)
ON CONFLICT (tracking_number)
DO UPDATE SET
  carrier = CASE
    WHEN packages.carrier = 'unknown' AND EXCLUDED.carrier <> 'unknown' THEN EXCLUDED.carrier
    ELSE packages.carrier
  END,
  friendly_name = CASE
    WHEN packages.friendly_name = '' THEN EXCLUDED.friendly_name
    ELSE packages.friendly_name
  END,
  updated_at = now()
RETURNING `+packageColumns+`, (xmax = 0) AS inserted
`, number, carrier, in.FriendlyName, models.StatusUnknown, source, now)

	p, inserted, err := scanPackageWithInserted(row)
	if err != nil {
		return nil, false, errors.Wrap(err, "insert package")
	}
	if !inserted {
		if err := s.attachEvents(ctx, []*models.Package{p}); err != nil {
			return nil, false, err
		}
	}
	return p, inserted, nil
}

func (s *Storage) Get(ctx context.Context, trackingNumber string) (*models.Package, error) {
	row := s.db.QueryRow(ctx, `
SELECT `+packageColumns+`
FROM packages
WHERE tracking_number = $1
`, models.NormalizeTrackingNumber(trackingNumber))

	p, err := scanPackage(row)
	if err == pgx.ErrNoRows {
		return nil, models.ErrPackageNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select package")
	}
	if err := s.attachEvents(ctx, []*models.Package{p}); err != nil {
		return nil, err
	}
	return p, nil
}

// ApplyUpdate merges one reconciled poll result in a single transaction.
// Same contract as the in-memory store: field-level replace, event union on
// the dedup index, monotonic delivered_at, error accounting that never
// erases a previously resolved state.
func (s *Storage) ApplyUpdate(ctx context.Context, upd models.PackageUpdate) error {
	number := models.NormalizeTrackingNumber(upd.TrackingNumber)
	checkedAt := upd.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if upd.Error != nil {
		_, err := tx.Exec(ctx, `
UPDATE packages
SET
  last_checked_at = $2,
  check_fail_count = check_fail_count + 1,
  last_error = $3,
  status = CASE WHEN last_ok_at IS NULL AND $4 <> '' THEN $4 ELSE status END,
  updated_at = $2
WHERE tracking_number = $1
`, number, checkedAt, *upd.Error, string(upd.Status))
		if err != nil {
			return errors.Wrap(err, "update package (error)")
		}
		return errors.Wrap(tx.Commit(ctx), "commit tx")
	}

	_, err = tx.Exec(ctx, `
UPDATE packages
SET
  status = CASE WHEN $3 <> '' THEN $3 ELSE status END,
  info_text = $4,
  location = $5,
  carrier = CASE
    WHEN carrier = 'unknown' AND $6 <> '' AND $6 <> 'unknown' THEN $6
    ELSE carrier
  END,
  delivered_at = CASE
    WHEN $3 = 'delivered' AND delivered_at IS NULL THEN $2
    ELSE delivered_at
  END,
  last_checked_at = $2,
  last_ok_at = $2,
  check_fail_count = 0,
  last_error = NULL,
  updated_at = $2
WHERE tracking_number = $1
`, number, checkedAt, string(upd.Status), upd.InfoText, upd.Location, string(upd.Carrier))
	if err != nil {
		return errors.Wrap(err, "update package (ok)")
	}

	for _, e := range upd.Events {
		_, err := tx.Exec(ctx, `
INSERT INTO package_events (tracking_number, event_time, description, location, created_at)
SELECT $1, $2, $3, $4, now()
WHERE EXISTS (SELECT 1 FROM packages WHERE tracking_number = $1)
ON CONFLICT (tracking_number, event_time, description) DO NOTHING
`, number, e.Timestamp.UTC(), e.Description, e.Location)
		if err != nil {
			return errors.Wrap(err, "insert package event")
		}
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

func (s *Storage) MarkRegistered(ctx context.Context, numbers []string) error {
	if len(numbers) == 0 {
		return nil
	}
	norm := make([]string, 0, len(numbers))
	for _, n := range numbers {
		norm = append(norm, models.NormalizeTrackingNumber(n))
	}
	_, err := s.db.Exec(ctx, `UPDATE packages SET registered = TRUE, updated_at = now() WHERE tracking_number = ANY($1)`, norm)
	return errors.Wrap(err, "mark registered")
}

func (s *Storage) Remove(ctx context.Context, trackingNumber string) (*models.Package, error) {
	p, err := s.Get(ctx, trackingNumber)
	if err != nil || p == nil {
		return nil, err
	}
	_, err = s.db.Exec(ctx, `DELETE FROM packages WHERE tracking_number = $1`, p.TrackingNumber)
	if err != nil {
		return nil, errors.Wrap(err, "delete package")
	}
	return p, nil
}

func (s *Storage) List(ctx context.Context) ([]*models.Package, error) {
	return s.listWhere(ctx, ``)
}

func (s *Storage) ListByStatus(ctx context.Context, status models.PackageStatus) ([]*models.Package, error) {
	return s.listWhere(ctx, string(status))
}

func (s *Storage) listWhere(ctx context.Context, status string) ([]*models.Package, error) {
	q := `SELECT ` + packageColumns + ` FROM packages`
	args := []any{}
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, status)
	}
	q += ` ORDER BY tracking_number`

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select packages")
	}
	defer rows.Close()

	var out []*models.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan package")
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	if err := s.attachEvents(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachEvents loads event history (newest first) for the given packages.
func (s *Storage) attachEvents(ctx context.Context, pkgs []*models.Package) error {
	if len(pkgs) == 0 {
		return nil
	}
	byNumber := make(map[string]*models.Package, len(pkgs))
	numbers := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		byNumber[p.TrackingNumber] = p
		numbers = append(numbers, p.TrackingNumber)
	}

	rows, err := s.db.Query(ctx, `
SELECT tracking_number, event_time, description, location
FROM package_events
WHERE tracking_number = ANY($1)
ORDER BY event_time DESC
`, numbers)
	if err != nil {
		return errors.Wrap(err, "select events")
	}
	defer rows.Close()

	for rows.Next() {
		var number string
		var e models.TrackingEvent
		if err := rows.Scan(&number, &e.Timestamp, &e.Description, &e.Location); err != nil {
			return errors.Wrap(err, "scan event")
		}
		if p, ok := byNumber[number]; ok {
			p.Events = append(p.Events, e)
		}
	}
	return errors.Wrap(rows.Err(), "rows")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPackage(row rowScanner) (*models.Package, error) {
	var p models.Package
	err := row.Scan(
		&p.TrackingNumber, &p.Carrier, &p.FriendlyName,
		&p.Status, &p.InfoText, &p.Location,
		&p.DeliveredAt, &p.Source, &p.Registered,
		&p.LastCheckedAt, &p.LastOKAt, &p.CheckFailCount, &p.LastError,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPackageWithInserted(row rowScanner) (*models.Package, bool, error) {
	var p models.Package
	var inserted bool
	err := row.Scan(
		&p.TrackingNumber, &p.Carrier, &p.FriendlyName,
		&p.Status, &p.InfoText, &p.Location,
		&p.DeliveredAt, &p.Source, &p.Registered,
		&p.LastCheckedAt, &p.LastOKAt, &p.CheckFailCount, &p.LastError,
		&p.CreatedAt, &p.UpdatedAt,
		&inserted,
	)
	if err != nil {
		return nil, false, err
	}
	return &p, inserted, nil
}
