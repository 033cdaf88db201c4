// Package shutdown implements graceful termination for the CLI process:
// it watches for SIGINT/SIGTERM (and, optionally, a stop-file) and runs
// registered callbacks, here cancelling every in-flight invocation,
// exactly once.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mineflare/agent/pkg/telemetry"
)

// Config configures a Controller.
type Config struct {
	StopFile             string
	PollInterval         time.Duration
	EnableSignalHandlers bool
}

// Controller watches for termination conditions and fans them out to
// registered callbacks.
type Controller struct {
	stopFile       string
	pollInterval   time.Duration
	signalHandlers bool
	logger         *telemetry.Logger

	mu        sync.Mutex
	stopped   bool
	stopCh    chan struct{}
	callbacks []func(reason string)
}

// New builds a Controller. logger may be nil.
func New(cfg Config, logger *telemetry.Logger) *Controller {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	return &Controller{
		stopFile:       cfg.StopFile,
		pollInterval:   cfg.PollInterval,
		signalHandlers: cfg.EnableSignalHandlers,
		logger:         logger,
		stopCh:         make(chan struct{}),
	}
}

// OnStop registers a callback invoked (at most once per Controller) when
// shutdown is triggered.
func (c *Controller) OnStop(callback func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, callback)
}

// Start begins watching for termination conditions until ctx is done.
func (c *Controller) Start(ctx context.Context) {
	if c.signalHandlers {
		go c.watchSignals(ctx)
	}
	if c.stopFile != "" {
		go c.watchStopFile(ctx)
	}
}

// Stop manually triggers shutdown with reason.
func (c *Controller) Stop(reason string) {
	c.trigger(reason)
}

// StopChannel closes once shutdown has been triggered.
func (c *Controller) StopChannel() <-chan struct{} { return c.stopCh }

// IsStopped reports whether shutdown has already been triggered.
func (c *Controller) IsStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Controller) watchSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		return
	case sig := <-sigCh:
		c.trigger("signal: " + sig.String())
	}
}

func (c *Controller) watchStopFile(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(c.stopFile); err == nil {
				c.trigger("stop file detected: " + c.stopFile)
				return
			}
		}
	}
}

func (c *Controller) trigger(reason string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	callbacks := append([]func(reason string){}, c.callbacks...)
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Info("shutdown triggered", "reason", reason)
	}
	for _, cb := range callbacks {
		cb(reason)
	}
}
