package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/pagepool/pagepool/internal/admission"
	"github.com/pagepool/pagepool/internal/browser"
	"github.com/pagepool/pagepool/internal/config"
	"github.com/pagepool/pagepool/internal/executor"
	"github.com/pagepool/pagepool/internal/pool"
	"github.com/pagepool/pagepool/internal/router"
	"github.com/pagepool/pagepool/internal/sessions"
)

// Run wires the whole service together and serves until ctx is
// cancelled. Shutdown is ordered: intake stops first, then sessions,
// then browser processes, then the driver.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	settings := browser.DefaultSettings()
	settings.Headless = cfg.Headless
	settings.UserAgent = cfg.UserAgent
	settings.Locale = cfg.Locale
	settings.Timezone = cfg.Timezone
	settings.ProxyServer = cfg.ProxyServer
	settings.ProxyUsername = cfg.ProxyUsername
	settings.ProxyPassword = cfg.ProxyPassword

	driver := browser.NewPlaywrightDriver(settings)
	startCtx, cancel := context.WithTimeout(ctx, cfg.LaunchTimeout)
	err := driver.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("start driver: %w", err)
	}
	defer func() {
		if err := driver.Stop(); err != nil {
			log.Printf("[APP] stopping driver: %v", err)
		}
	}()

	p := pool.New(driver, pool.Options{
		Size:                cfg.PoolSize,
		ContextsPerInstance: cfg.ContextsPerInstance,
		LaunchTimeout:       cfg.LaunchTimeout,
		LaunchAttempts:      cfg.LaunchAttempts,
	})
	sm := sessions.NewManager(p, sessions.Options{
		IdleTimeout:    cfg.SessionIdleTimeout,
		ReaperInterval: cfg.ReaperInterval,
	})
	exec := executor.New(cfg.TaskTimeout)
	ac := admission.New(sm, p, exec, admission.Options{
		MaxConcurrency: cfg.MaxConcurrency(),
		QueueDepth:     cfg.QueueDepth,
		DefaultRetries: cfg.MaxRetries,
	})

	r := router.New(driver, p, sm, ac, cfg.APIKey)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[APP] listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Printf("[APP] graceful shutdown...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[APP] http shutdown: %v", err)
	}
	if err := ac.Shutdown(shutdownCtx); err != nil {
		log.Printf("[APP] admission shutdown: %v", err)
	}
	if err := sm.Shutdown(shutdownCtx); err != nil {
		log.Printf("[APP] sessions shutdown: %v", err)
	}
	if err := p.Shutdown(shutdownCtx); err != nil {
		log.Printf("[APP] pool shutdown: %v", err)
	}
	log.Println("[APP] exited")
	return nil
}
