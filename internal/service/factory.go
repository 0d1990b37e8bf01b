// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rankbot/internal/agent"
	"github.com/xkilldash9x/rankbot/internal/browser"
	"github.com/xkilldash9x/rankbot/internal/config"
	"github.com/xkilldash9x/rankbot/internal/dispatch"
	"github.com/xkilldash9x/rankbot/internal/inference"
	"github.com/xkilldash9x/rankbot/internal/modelhub"
	"github.com/xkilldash9x/rankbot/internal/network"
	"github.com/xkilldash9x/rankbot/internal/perception"
	"github.com/xkilldash9x/rankbot/internal/policy"
	"github.com/xkilldash9x/rankbot/internal/scheduler"
	"github.com/xkilldash9x/rankbot/internal/state"
)

// ComponentFactory builds the running bot. Commands depend on the interface so
// tests can substitute a fake.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

type concreteFactory struct {
	registry *inference.Registry
}

// NewComponentFactory returns the production factory using every runtime
// compiled into the binary.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{registry: inference.NewRegistry()}
}

// Create wires the components without starting anything that runs in the
// background besides the telemetry worker. On error every partially built
// component is released.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (c *Components, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c = &Components{logger: logger.Named("service")}
	defer func() {
		if err != nil {
			c.Shutdown()
			c = nil
		}
	}()

	// 1. Shared HTTP client.
	c.Client = network.NewClient(network.ClientConfigFrom(cfg.Network(), logger))

	// 2. Optional ledger.
	ledger, closeLedger, err := InitializeLedger(ctx, cfg.Database(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model ledger: %w", err)
	}
	c.Ledger, c.closeLedger = ledger, closeLedger

	// 3. Model lifecycle.
	runtimes, err := InitializeRuntimes(cfg, f.registry, logger)
	if err != nil {
		return nil, err
	}
	var recorder modelhub.Recorder
	if c.Ledger != nil {
		recorder = c.Ledger
	}
	schema := cfg.State().Schema
	c.Models, err = InitializeManager(cfg, c.Client, runtimes, agent.Validators(len(schema)), recorder, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model manager: %w", err)
	}

	// 4. Browser, when a collaborator needs it.
	if NeedsBrowser(cfg) {
		c.Browser, err = browser.NewSession(ctx, cfg.Browser(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start browser: %w", err)
		}
	}
	source, err := InitializeFrameSource(cfg.Capture(), c.Browser, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize frame source: %w", err)
	}
	sink, err := InitializeTapSink(cfg.Dispatch(), c.Browser, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tap sink: %w", err)
	}

	// 5. Telemetry.
	c.Telemetry, err = InitializeTelemetry(cfg.Telemetry(), c.Client, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// 6. The cycle and its scheduler.
	deps := agent.Deps{
		Source:     source,
		Models:     c.Models,
		Detector:   perception.NewDetector(logger, cfg.Agent().ConfidenceThreshold),
		Builder:    state.NewBuilder(schema),
		Policy:     policy.New(logger),
		Dispatcher: dispatch.New(logger, sink, dispatch.TargetsFromConfig(cfg.Dispatch().Targets)),
		Logger:     logger,
	}
	if c.Telemetry != nil {
		deps.Telemetry = c.Telemetry
	}
	c.Agent, err = agent.New(deps)
	if err != nil {
		return nil, err
	}
	c.Scheduler = scheduler.New(c.Agent.Tick, scheduler.Options{
		Delay:       cfg.Agent().TickDelay,
		TickTimeout: cfg.Agent().TickTimeout,
		Logger:      logger,
	})
	return c, nil
}
