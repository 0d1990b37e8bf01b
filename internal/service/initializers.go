package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rankbot/api/schemas"
	"github.com/xkilldash9x/rankbot/internal/browser"
	"github.com/xkilldash9x/rankbot/internal/capture"
	"github.com/xkilldash9x/rankbot/internal/config"
	"github.com/xkilldash9x/rankbot/internal/dispatch"
	"github.com/xkilldash9x/rankbot/internal/inference"
	"github.com/xkilldash9x/rankbot/internal/modelhub"
	"github.com/xkilldash9x/rankbot/internal/network"
	"github.com/xkilldash9x/rankbot/internal/store"
	"github.com/xkilldash9x/rankbot/internal/telemetry"
)

// InitializeRuntimes builds one runtime per model kind. Detection runtimes get
// the configured image shape; decision runtimes get [1, len(schema)].
func InitializeRuntimes(cfg config.Interface, registry *inference.Registry, logger *zap.Logger) (map[schemas.ModelKind]inference.Runtime, error) {
	if registry == nil {
		registry = inference.NewRegistry()
	}
	name := cfg.Models().Runtime
	shapes := map[schemas.ModelKind][]int{
		schemas.ModelDetection: cfg.Models().DetectionInputShape,
		schemas.ModelDecision:  {1, len(cfg.State().Schema)},
	}

	out := make(map[schemas.ModelKind]inference.Runtime, len(shapes))
	for _, kind := range schemas.ModelKinds {
		rt, err := registry.New(name, inference.Options{
			Logger:     logger.With(zap.String("model_kind", string(kind))),
			InputShape: shapes[kind],
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create %s runtime: %w", kind, err)
		}
		out[kind] = rt
	}
	return out, nil
}

// InitializeManager wires the fetcher and the lifecycle manager. recorder may be nil.
func InitializeManager(cfg config.Interface, client *network.Client, runtimes map[schemas.ModelKind]inference.Runtime,
	validators map[schemas.ModelKind]modelhub.Validator, recorder modelhub.Recorder, logger *zap.Logger) (*modelhub.Manager, error) {

	mc := cfg.Models()
	fetcher, err := modelhub.NewFetcher(client, modelhub.FetcherConfig{
		BaseURL:         mc.BaseURL,
		MetadataTimeout: mc.MetadataTimeout,
		DownloadTimeout: mc.DownloadTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	return modelhub.NewManager(fetcher, modelhub.Options{
		CacheDir:        mc.CacheDir,
		Extension:       mc.Extension,
		RefreshInterval: mc.RefreshInterval,
		Runtimes:        runtimes,
		Validators:      validators,
		Recorder:        recorder,
		Logger:          logger,
	})
}

// InitializeLedger opens and migrates the model ledger. It returns a nil store
// when no database is configured.
func InitializeLedger(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*store.Store, func(), error) {
	if cfg.URL == "" {
		return nil, func() {}, nil
	}
	ledger, closeFn, err := store.Open(ctx, cfg.URL, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := ledger.Migrate(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	return ledger, closeFn, nil
}

// InitializeTelemetry starts the uploader, or returns nil when disabled.
func InitializeTelemetry(cfg config.TelemetryConfig, client *network.Client, logger *zap.Logger) (*telemetry.Uploader, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return telemetry.New(client, telemetry.Config{
		BaseURL:       cfg.BaseURL,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
		QueueSize:     cfg.QueueSize,
		Timeout:       cfg.Timeout,
	}, logger)
}

// NeedsBrowser reports whether any collaborator is served by Chrome.
func NeedsBrowser(cfg config.Interface) bool {
	return cfg.Capture().Source == "browser" || cfg.Dispatch().Sink == "browser"
}

// InitializeFrameSource picks the configured frame source. session is only
// consulted for the browser source.
func InitializeFrameSource(cfg config.CaptureConfig, session *browser.Session, logger *zap.Logger) (schemas.FrameSource, error) {
	switch cfg.Source {
	case "browser":
		if session == nil {
			return nil, fmt.Errorf("browser capture requires a browser session")
		}
		return session, nil
	case "directory":
		return capture.NewDirectorySource(cfg.Directory, logger)
	default:
		return nil, fmt.Errorf("unknown capture source %q", cfg.Source)
	}
}

// InitializeTapSink picks the configured tap sink.
func InitializeTapSink(cfg config.DispatchConfig, session *browser.Session, logger *zap.Logger) (schemas.TapSink, error) {
	switch cfg.Sink {
	case "browser":
		if session == nil {
			return nil, fmt.Errorf("browser sink requires a browser session")
		}
		return session, nil
	case "log":
		return dispatch.NewLogSink(logger), nil
	default:
		return nil, fmt.Errorf("unknown dispatch sink %q", cfg.Sink)
	}
}
