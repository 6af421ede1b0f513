package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/ColisBox/ColisBox/config"
	"github.com/ColisBox/ColisBox/internal/api/packagesapi"
	"github.com/ColisBox/ColisBox/internal/provider"
	"github.com/ColisBox/ColisBox/internal/services/coordinator"
	"github.com/ColisBox/ColisBox/internal/services/emailscan"
	"github.com/ColisBox/ColisBox/internal/services/snapshots"
	"github.com/go-chi/chi/v5"
)

type httpOpts struct {
	httpAddr string
	onListen func(httpAddr string)

	coordinator *coordinator.Coordinator
	reader      *snapshots.Service
	scanner     *emailscan.Scanner
	provider    provider.Client
	cfg         *config.Config
}

type quotaChecker interface {
	Quota(ctx context.Context) (map[string]any, error)
}

func runHTTPServer(ctx context.Context, opts httpOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8080"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if qc, ok := opts.provider.(quotaChecker); ok {
			checkCtx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if _, err := qc.Quota(checkCtx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]any{"status": "provider unavailable", "error": err.Error()})
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		out := map[string]any{"coordinator": opts.coordinator.Stats()}
		if opts.scanner != nil {
			out["emailScanner"] = opts.scanner.Stats()
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		// Avoid dumping secrets; show only operational settings.
		out := map[string]any{
			"pollIntervalMinutes":       opts.cfg.ColisBox.PollIntervalMinutes,
			"batchSize":                 opts.cfg.ColisBox.BatchSize,
			"archiveDelayDays":          opts.cfg.ColisBox.ArchiveDelayDays,
			"emailCheckIntervalMinutes": opts.cfg.ColisBox.EmailCheckIntervalMinutes,
			"emailMode":                 opts.cfg.ColisBox.EmailMode,
			"providerMode":              opts.cfg.ColisBox.ProviderMode,
			"registerQuotaPerMonth":     opts.cfg.ColisBox.ProviderRegisterQuotaPerMonth,
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		opts.coordinator.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	packagesapi.New(opts.coordinator, opts.reader).Routes(r)

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	return srv.Serve(lis)
}
