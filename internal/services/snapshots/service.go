// Package snapshots is the read side of the tracker. It serves current
// package state from the store with a redis cache in front and keeps the
// cache fresh by consuming the package.updated stream.
package snapshots

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ColisBox/ColisBox/internal/broker/messages"
	"github.com/ColisBox/ColisBox/internal/cache"
	"github.com/ColisBox/ColisBox/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	Get(ctx context.Context, trackingNumber string) (*models.Package, error)
	List(ctx context.Context) ([]*models.Package, error)
}

type Consumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type Service struct {
	repo       Repository
	cache      cache.BytesCache
	currentTTL time.Duration
}

func New(repo Repository, c cache.BytesCache, currentTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, currentTTL: currentTTL}
}

// Get returns the current state of one package. Кэш всегда "лучшее усилие":
// промах или ошибка редиса просто уводит чтение в стор.
func (s *Service) Get(ctx context.Context, trackingNumber string) (*models.Package, error) {
	num := models.NormalizeTrackingNumber(trackingNumber)
	if num == "" {
		return nil, errors.New("tracking number is required")
	}

	if s.cache != nil && s.currentTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, currentKey(num)); err == nil && ok {
			var p models.Package
			if json.Unmarshal(b, &p) == nil {
				return &p, nil
			}
		}
	}

	p, err := s.repo.Get(ctx, num)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, p)
	return p, nil
}

// List returns every tracked package ordered by tracking number, straight
// from the store.
func (s *Service) List(ctx context.Context) ([]*models.Package, error) {
	return s.repo.List(ctx)
}

// ListEvents returns one package's event history, newest first.
func (s *Service) ListEvents(ctx context.Context, trackingNumber string) ([]models.TrackingEvent, error) {
	p, err := s.Get(ctx, trackingNumber)
	if err != nil {
		return nil, err
	}
	return p.Events, nil
}

// ApplyKafkaUpdate refreshes the cached snapshot for an updated package and
// drops it for a removed one.
func (s *Service) ApplyKafkaUpdate(ctx context.Context, msg messages.PackageUpdated) error {
	if msg.TrackingNumber == "" {
		return errors.New("tracking_number is required")
	}
	if s.cache == nil || s.currentTTL <= 0 {
		return nil
	}

	if msg.Removed {
		return s.cache.Delete(ctx, currentKey(msg.TrackingNumber))
	}

	p, err := s.repo.Get(ctx, msg.TrackingNumber)
	if errors.Is(err, models.ErrPackageNotFound) {
		// Пакет успел исчезнуть из стора, чистим кэш.
		return s.cache.Delete(ctx, currentKey(msg.TrackingNumber))
	}
	if err != nil {
		return errors.Wrap(err, "get package")
	}
	s.cacheSet(ctx, p)
	return nil
}

// Run consumes package updates until the context is cancelled.
func (s *Service) Run(ctx context.Context, consumer Consumer) error {
	return consumer.Consume(ctx, func(key, value []byte) error {
		var msg messages.PackageUpdated
		if err := json.Unmarshal(value, &msg); err != nil {
			// Не блокируем партицию из-за мусорного сообщения.
			slog.Error("malformed package update", "key", string(key), "error", err.Error())
			return nil
		}
		if err := s.ApplyKafkaUpdate(ctx, msg); err != nil {
			slog.Error("apply package update", "number", msg.TrackingNumber, "error", err.Error())
			return err
		}
		return nil
	})
}

func (s *Service) cacheSet(ctx context.Context, p *models.Package) {
	if s.cache == nil || s.currentTTL <= 0 {
		return
	}
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, currentKey(p.TrackingNumber), b, s.currentTTL)
}

func currentKey(num string) string {
	return fmt.Sprintf("package:%s:current", num)
}
