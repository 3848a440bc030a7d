// Package daemon wires the plate-spinner components together: the HTTP
// server hooks post to, the session store, the websocket hub, the
// background summarizer, and the staleness recovery loop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nishu-builder/plate-spinner/internal/config"
	"github.com/nishu-builder/plate-spinner/internal/hub"
	"github.com/nishu-builder/plate-spinner/internal/logging"
	"github.com/nishu-builder/plate-spinner/internal/store"
	"github.com/nishu-builder/plate-spinner/internal/summary"
)

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

// DrainTimeout bounds how long graceful shutdown waits for in-flight
// work before giving up.
const DrainTimeout = 10 * time.Second

// Daemon is the long-running spinnerd process.
type Daemon struct {
	config     *config.Config
	store      *store.Store
	hub        *hub.Hub
	summarizer *summary.Summarizer
	httpServer *http.Server

	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

// New creates a daemon instance.
func New(cfg *config.Config) (*Daemon, error) {
	st, err := store.New(cfg.Daemon.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:    cfg,
		store:     st,
		hub:       hub.New(),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	if cfg.Summarizer.Enabled && cfg.Summarizer.APIKey != "" {
		opts := []summary.Option{summary.WithModel(cfg.Summarizer.Model)}
		if cfg.Summarizer.BaseURL != "" {
			opts = append(opts, summary.WithBaseURL(cfg.Summarizer.BaseURL))
		}
		d.summarizer = summary.New(cfg.Summarizer.APIKey, opts...)
	}

	d.httpServer = &http.Server{
		Handler:           d.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return d, nil
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run() error {
	addr := fmt.Sprintf("127.0.0.1:%d", d.config.Daemon.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	logging.Info("http server listening", "addr", addr)

	d.safeGo("http-server", func() {
		if err := d.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("http server exited", "error", err)
			d.cancel()
		}
	})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.safeLoop("health-check-loop", d.healthLoop)
	}()

	sigCh := make(chan os.Signal, 2) // buffered for a second, force signal
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	return d.signalLoop(sigCh)
}

// signalLoop handles OS signals for graceful shutdown.
func (d *Daemon) signalLoop(sigCh <-chan os.Signal) error {
	for {
		var sig os.Signal
		select {
		case sig = <-sigCh:
		case <-d.ctx.Done():
			d.gracefulShutdown()
			return errors.New("daemon stopped by internal error")
		}

		switch sig {
		case syscall.SIGHUP:
			logging.Info("received SIGHUP, ignoring (config is read at startup)")

		case syscall.SIGINT, syscall.SIGTERM:
			logging.Info("received shutdown signal, starting graceful shutdown", "signal", sig.String())

			shutdownDone := make(chan struct{})
			go func() {
				d.gracefulShutdown()
				close(shutdownDone)
			}()

			select {
			case <-shutdownDone:
				logging.Info("graceful shutdown complete")
				return nil

			case sig2 := <-sigCh:
				logging.Warn("received second signal, forcing immediate shutdown", "signal", sig2.String())
				d.forceShutdown()
				return fmt.Errorf("forced shutdown by signal: %s", sig2.String())
			}
		}
	}
}

// gracefulShutdown performs a clean shutdown with work draining.
func (d *Daemon) gracefulShutdown() {
	d.shutdownOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
		defer cancel()
		if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown did not drain cleanly", "error", err)
		}

		d.hub.Close()
		d.cancel()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			logging.Info("all workers stopped")
		case <-time.After(DrainTimeout):
			logging.Warn("drain timeout exceeded")
		}

		if err := d.store.Close(); err != nil {
			logging.Error("error closing database", "error", err)
		}

		logging.Flush(2 * time.Second)
	})
}

// forceShutdown performs an immediate shutdown without waiting.
func (d *Daemon) forceShutdown() {
	d.httpServer.Close()
	d.hub.Close()
	d.cancel()
	d.store.Close()
	logging.Flush(500 * time.Millisecond)
}

// safeGo runs a function in a goroutine with panic recovery.
func (d *Daemon) safeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.CapturePanic(r, "goroutine", name)
			}
		}()
		fn()
	}()
}

// safeLoop wraps a loop with panic recovery. A panicking loop takes the
// daemon down rather than leaving it half-alive.
func (d *Daemon) safeLoop(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "loop", name)
			d.cancel()
		}
	}()
	fn()
}
