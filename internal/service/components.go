// File: internal/service/components.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rankbot/internal/agent"
	"github.com/xkilldash9x/rankbot/internal/browser"
	"github.com/xkilldash9x/rankbot/internal/modelhub"
	"github.com/xkilldash9x/rankbot/internal/network"
	"github.com/xkilldash9x/rankbot/internal/scheduler"
	"github.com/xkilldash9x/rankbot/internal/store"
	"github.com/xkilldash9x/rankbot/internal/telemetry"
)

// ShutdownTimeout bounds each blocking step of Shutdown.
const ShutdownTimeout = 15 * time.Second

// Components holds everything a running bot needs and owns their lifecycle.
type Components struct {
	Client    *network.Client
	Models    *modelhub.Manager
	Agent     *agent.Agent
	Scheduler *scheduler.Scheduler
	// Optional collaborators are nil when disabled.
	Telemetry *telemetry.Uploader
	Ledger    *store.Store
	Browser   *browser.Session

	logger      *zap.Logger
	closeLedger func()

	refreshCancel context.CancelFunc
	refreshWG     sync.WaitGroup
	shutdownOnce  sync.Once
}

// Start installs the initial models, then launches the background refresher
// and the control loop. A kind left without any model, fresh or cached, is
// fatal: nothing is started and the error wraps modelhub.ErrNoModel.
func (c *Components) Start(ctx context.Context) error {
	if err := c.Models.Bootstrap(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to bootstrap models: %w", err)
	}

	refreshCtx, cancel := context.WithCancel(ctx)
	c.refreshCancel = cancel
	c.refreshWG.Add(1)
	go func() {
		defer c.refreshWG.Done()
		_ = c.Models.Run(refreshCtx)
	}()

	return c.Scheduler.Start(ctx)
}

// Wait blocks until ctx ends or the loop exits on its own.
func (c *Components) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.Scheduler.Done():
		return nil
	}
}

// Shutdown stops the producers first, then drains telemetry and releases the
// models, the browser and the database pool.
func (c *Components) Shutdown() {
	c.shutdownOnce.Do(c.shutdown)
}

func (c *Components) shutdown() {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Stop the loop and wait for the tick in flight.
	if c.Scheduler != nil {
		state := c.Scheduler.State()
		c.Scheduler.Stop()
		if state == scheduler.StateRunning {
			select {
			case <-c.Scheduler.Done():
				logger.Debug("Control loop stopped.")
			case <-time.After(ShutdownTimeout):
				logger.Warn("Control loop did not stop in time.")
			}
		}
	}

	// 2. Stop the refresher.
	if c.refreshCancel != nil {
		c.refreshCancel()
		c.refreshWG.Wait()
		logger.Debug("Model refresher stopped.")
	}

	// 3. Drain queued snapshots.
	if c.Telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		if err := c.Telemetry.Close(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("Error during telemetry shutdown.", zap.Error(err))
		}
		cancel()
		st := c.Telemetry.Stats()
		logger.Debug("Telemetry drained.", zap.Uint64("sent", st.Sent), zap.Uint64("dropped", st.Dropped))
	}

	// 4. Retire the models; leases are gone once the loop has stopped.
	if c.Models != nil {
		c.Models.Close()
	}

	if c.Browser != nil {
		c.Browser.Close()
		logger.Debug("Browser session closed.")
	}

	if c.closeLedger != nil {
		c.closeLedger()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down.")
}
