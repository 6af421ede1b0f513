package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ColisBox/ColisBox/config"
	"github.com/ColisBox/ColisBox/internal/broker/kafka"
	"github.com/ColisBox/ColisBox/internal/cache"
	"github.com/ColisBox/ColisBox/internal/cache/rediscache"
	"github.com/ColisBox/ColisBox/internal/mailbox"
	"github.com/ColisBox/ColisBox/internal/provider"
	"github.com/ColisBox/ColisBox/internal/provider/fake"
	"github.com/ColisBox/ColisBox/internal/provider/seventeentrack"
	"github.com/ColisBox/ColisBox/internal/services/coordinator"
	"github.com/ColisBox/ColisBox/internal/services/emailscan"
	"github.com/ColisBox/ColisBox/internal/services/snapshots"
	"github.com/ColisBox/ColisBox/internal/storage/mempackages"
	"github.com/ColisBox/ColisBox/internal/storage/pgpackages"
)

type appFactories struct {
	newStorage     func(cfg *config.Config) (store coordinator.Store, closeFn func(), err error)
	newProducer    func(cfg *config.Config) coordinator.Producer
	newRateLimiter func(cfg *config.Config) *rediscache.RateLimiter
	newCache       func(cfg *config.Config) cache.BytesCache
	newProvider    func(cfg *config.Config, rl *rediscache.RateLimiter) provider.Client
	newMailReader  func(cfg *config.Config) mailbox.Reader
	newConsumer    func(cfg *config.Config, topic string) snapshots.Consumer
}

func defaultAppFactories() appFactories {
	return appFactories{
		newStorage: func(cfg *config.Config) (coordinator.Store, func(), error) {
			// Без настроенной базы живём в памяти: удобно для демо и
			// локальной разработки.
			if cfg.Database.Host == "" {
				return mempackages.New(), nil, nil
			}
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgpackages.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) coordinator.Producer {
			if cfg.Kafka.Host == "" {
				return nil
			}
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) *rediscache.RateLimiter {
			if cfg.Redis.Host == "" {
				return nil
			}
			return rediscache.NewRateLimiter(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		},
		newCache: func(cfg *config.Config) cache.BytesCache {
			if cfg.Redis.Host == "" {
				return nil
			}
			return rediscache.New(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		},
		newProvider: func(cfg *config.Config, rl *rediscache.RateLimiter) provider.Client {
			if cfg.ColisBox.ProviderMode == "17track" && cfg.ColisBox.ProviderAPIKey != "" {
				c := seventeentrack.New(cfg.ColisBox.ProviderBaseURL, cfg.ColisBox.ProviderAPIKey)
				if rl != nil {
					c = c.WithRateLimiter(rl, cfg.ColisBox.ProviderRateLimitPerSecond)
				}
				return c
			}
			return fake.New()
		},
		newMailReader: func(cfg *config.Config) mailbox.Reader {
			if cfg.ColisBox.EmailSpoolDir == "" {
				return nil
			}
			return mailbox.NewJSONDirReader(cfg.ColisBox.EmailSpoolDir)
		},
		newConsumer: func(cfg *config.Config, topic string) snapshots.Consumer {
			if cfg.Kafka.Host == "" || cfg.ColisBox.KafkaConsumerGroup == "" {
				return nil
			}
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewConsumer(brokers, topic, cfg.ColisBox.KafkaConsumerGroup)
		},
	}
}

func RunColisd(ctx context.Context, cfg *config.Config, f appFactories) error {
	topic := cfg.Kafka.PackageUpdatedTopicName
	if topic == "" {
		topic = "package.updated"
	}

	pollInterval := time.Duration(cfg.ColisBox.PollIntervalMinutes) * time.Minute
	if pollInterval <= 0 {
		pollInterval = 30 * time.Minute
	}
	batchSize := cfg.ColisBox.BatchSize
	if batchSize <= 0 {
		batchSize = seventeentrack.MaxBatchSize
	}
	archiveDelay := 48 * time.Hour
	if cfg.ColisBox.ArchiveDelayDays != nil {
		archiveDelay = time.Duration(*cfg.ColisBox.ArchiveDelayDays) * 24 * time.Hour
	}
	registerQuota := int64(cfg.ColisBox.ProviderRegisterQuotaPerMonth)
	if registerQuota <= 0 {
		registerQuota = 100
	}
	emailInterval := time.Duration(cfg.ColisBox.EmailCheckIntervalMinutes) * time.Minute
	if emailInterval <= 0 {
		emailInterval = 15 * time.Minute
	}
	snapshotTTL := time.Duration(cfg.ColisBox.SnapshotTTLSeconds) * time.Second
	if snapshotTTL <= 0 {
		snapshotTTL = 10 * time.Minute
	}

	store, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	rl := f.newRateLimiter(cfg)
	producer := f.newProducer(cfg)
	prov := f.newProvider(cfg, rl)

	// *rediscache.RateLimiter в интерфейсе должен остаться честным nil.
	var quota coordinator.RateLimiter
	if rl != nil {
		quota = rl
	}

	coord := coordinator.New(store, prov, producer, quota, topic).
		WithSettings(pollInterval, batchSize, archiveDelay, registerQuota)

	reader := snapshots.New(store, f.newCache(cfg), snapshotTTL)

	errCh := make(chan error, 4)

	go func() { errCh <- coord.Run(ctx) }()

	var scanner *emailscan.Scanner
	if mr := f.newMailReader(cfg); mr != nil {
		scanner = emailscan.New(mr, coord, store, emailscan.Mode(cfg.ColisBox.EmailMode), cfg.ColisBox.EmailFetchLimit)
		go func() { errCh <- scanner.Run(ctx, emailInterval) }()
	}

	if consumer := f.newConsumer(cfg, topic); consumer != nil {
		go func() { errCh <- reader.Run(ctx, consumer) }()
	}

	go func() {
		errCh <- runHTTPServer(ctx, httpOpts{
			httpAddr:    cfg.ColisBox.HTTPAddr,
			coordinator: coord,
			reader:      reader,
			scanner:     scanner,
			provider:    prov,
			cfg:         cfg,
		})
	}()

	slog.Info("colisd started", "http_addr", cfg.ColisBox.HTTPAddr, "poll_interval", pollInterval, "topic", topic)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
