package modelhub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/rankbot/api/schemas"
	"github.com/xkilldash9x/rankbot/internal/inference"
)

// ErrNoModel means a kind has no installed model and none could be obtained.
var ErrNoModel = errors.New("modelhub: no model available")

// Outcome classifies a refresh.
type Outcome string

const (
	OutcomeInstalled Outcome = "installed"
	OutcomeUpToDate  Outcome = "up_to_date"
	OutcomeCached    Outcome = "cached"
	OutcomeFailed    Outcome = "failed"
)

// Stage names the refresh step that failed.
type Stage string

const (
	StageResolve  Stage = "resolve"
	StageDownload Stage = "download"
	StageVerify   Stage = "verify"
	StageLoad     Stage = "load"
	StageValidate Stage = "validate"
	StageInstall  Stage = "install"
)

// Result reports one refresh attempt.
type Result struct {
	ID         uuid.UUID
	Kind       schemas.ModelKind
	Outcome    Outcome
	Stage      Stage
	Version    string
	SourceURL  string
	SHA256     string
	Size       int64
	Generation uint64
	Err        error
	Started    time.Time
	Finished   time.Time
}

// Recorder persists refresh results. Errors are logged and otherwise ignored.
type Recorder interface {
	Record(ctx context.Context, r Result) error
}

// Validator rejects sessions that do not fit the stage that will run them.
type Validator func(inference.Session) error

// Options configures a Manager.
type Options struct {
	CacheDir        string
	Extension       string
	RefreshInterval time.Duration
	Runtimes        map[schemas.ModelKind]inference.Runtime
	Validators      map[schemas.ModelKind]Validator
	Recorder        Recorder
	Logger          *zap.Logger
}

// Manager refreshes models in the background and hands out leases.
type Manager struct {
	source    Source
	opts      Options
	logger    *zap.Logger
	slots     map[schemas.ModelKind]*Slot
	flights   singleflight.Group
	triggerCh chan struct{}
	kinds     []schemas.ModelKind

	// life bounds shared refresh attempts; Close cancels it.
	life     context.Context
	stopLife context.CancelFunc
}

// NewManager creates a manager for every kind in schemas.ModelKinds. Each
// kind needs a runtime.
func NewManager(source Source, opts Options) (*Manager, error) {
	if source == nil {
		return nil, errors.New("modelhub: source is required")
	}
	if opts.CacheDir == "" {
		return nil, errors.New("modelhub: cache dir is required")
	}
	if opts.Extension == "" {
		opts.Extension = ".tflite"
	}
	if !strings.HasPrefix(opts.Extension, ".") {
		opts.Extension = "." + opts.Extension
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named("modelhub")

	m := &Manager{
		source:    source,
		opts:      opts,
		logger:    logger,
		slots:     make(map[schemas.ModelKind]*Slot, len(schemas.ModelKinds)),
		triggerCh: make(chan struct{}, 1),
		kinds:     schemas.ModelKinds,
	}
	m.life, m.stopLife = context.WithCancel(context.Background())
	for _, k := range m.kinds {
		if opts.Runtimes[k] == nil {
			return nil, fmt.Errorf("modelhub: no runtime for %s models", k)
		}
		m.slots[k] = NewSlot(k, logger)
	}
	return m, nil
}

// Slot returns the slot for kind, or nil for an unknown kind.
func (m *Manager) Slot(kind schemas.ModelKind) *Slot { return m.slots[kind] }

// Acquire pins the current model of kind.
func (m *Manager) Acquire(kind schemas.ModelKind) (*Lease, bool) {
	s := m.slots[kind]
	if s == nil {
		return nil, false
	}
	return s.Acquire()
}

// CachePath is where the last good artifact of kind lives.
func (m *Manager) CachePath(kind schemas.ModelKind) string {
	return filepath.Join(m.opts.CacheDir, string(kind)+"_model"+m.opts.Extension)
}

func (m *Manager) stagingPath(kind schemas.ModelKind) string {
	return m.CachePath(kind) + ".part"
}

// Refresh fetches, validates and installs the newest model of kind. Failures
// leave the installed model in place. Concurrent calls for one kind share a
// single attempt. The attempt keeps the values of the caller that started it
// but not its cancellation: a caller whose ctx ends gets a failed Result at
// once while the attempt continues for the others, until Close.
func (m *Manager) Refresh(ctx context.Context, kind schemas.ModelKind) Result {
	ch := m.flights.DoChan(string(kind), func() (interface{}, error) {
		flightCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(m.life, cancel)
		defer stop()
		return m.refresh(flightCtx, kind), nil
	})
	select {
	case r := <-ch:
		return r.Val.(Result)
	case <-ctx.Done():
		now := time.Now()
		return Result{ID: uuid.New(), Kind: kind, Outcome: OutcomeFailed, Err: ctx.Err(), Started: now, Finished: now}
	}
}

func (m *Manager) refresh(ctx context.Context, kind schemas.ModelKind) (res Result) {
	res = Result{ID: uuid.New(), Kind: kind, Started: time.Now()}
	logger := m.logger.With(zap.String("kind", string(kind)), zap.String("refresh_id", res.ID.String()))
	defer func() {
		res.Finished = time.Now()
		m.report(ctx, logger, res)
	}()

	fail := func(stage Stage, err error) Result {
		res.Outcome, res.Stage, res.Err = OutcomeFailed, stage, err
		return res
	}

	slot := m.slots[kind]
	if slot == nil {
		return fail(StageResolve, fmt.Errorf("unknown model kind %q", kind))
	}

	md, err := m.source.ResolveURL(ctx, kind)
	if err != nil {
		return fail(StageResolve, err)
	}
	res.SourceURL, res.Version = md.URL, md.Version

	if cur, ok := slot.Current(); ok && md.Version != "" && cur.Meta.Version == md.Version {
		res.Outcome, res.Generation = OutcomeUpToDate, cur.Generation
		res.SHA256, res.Size = cur.Meta.SHA256, cur.Meta.Size
		return res
	}

	staging := m.stagingPath(kind)
	dl, err := m.source.Download(ctx, md.URL, staging)
	if err != nil {
		return fail(StageDownload, err)
	}
	res.SHA256, res.Size = dl.SHA256, dl.Size

	if fi, err := os.Stat(staging); err != nil || fi.Size() == 0 {
		_ = os.Remove(staging)
		if err != nil {
			return fail(StageVerify, fmt.Errorf("%w: %v", ErrEmptyArtifact, err))
		}
		return fail(StageVerify, ErrEmptyArtifact)
	}

	model, stage, err := m.load(ctx, kind, staging)
	if err != nil {
		_ = os.Remove(staging)
		return fail(stage, err)
	}

	h, err := slot.Install(model, Meta{
		Version:   md.Version,
		SourceURL: md.URL,
		SHA256:    dl.SHA256,
		Size:      dl.Size,
		Path:      m.CachePath(kind),
	})
	if err != nil {
		_ = os.Remove(staging)
		return fail(StageInstall, err)
	}
	res.Outcome, res.Generation = OutcomeInstalled, h.Generation

	// The installed session no longer needs the file; keep it as the restart cache.
	if err := os.Rename(staging, m.CachePath(kind)); err != nil {
		logger.Warn("Failed to promote staging file to cache.", zap.Error(err))
	}
	return res
}

// load runs the runtime and the kind's validator over path.
func (m *Manager) load(ctx context.Context, kind schemas.ModelKind, path string) (inference.Model, Stage, error) {
	rt := m.opts.Runtimes[kind]
	sess, err := rt.Load(ctx, path)
	if err != nil {
		return inference.Model{}, StageLoad, err
	}
	if validate := m.opts.Validators[kind]; validate != nil {
		if err := validate(sess); err != nil {
			if derr := rt.Dispose(sess); derr != nil {
				m.logger.Warn("Failed to dispose rejected session.", zap.Error(derr))
			}
			return inference.Model{}, StageValidate, err
		}
	}
	return inference.Model{Runtime: rt, Session: sess}, "", nil
}

func (m *Manager) report(ctx context.Context, logger *zap.Logger, res Result) {
	fields := []zap.Field{
		zap.String("outcome", string(res.Outcome)),
		zap.String("version", res.Version),
		zap.Uint64("generation", res.Generation),
		zap.Duration("elapsed", res.Finished.Sub(res.Started)),
	}
	switch res.Outcome {
	case OutcomeFailed:
		logger.Warn("Model refresh failed; keeping current model.",
			append(fields, zap.String("stage", string(res.Stage)), zap.Error(res.Err))...)
	case OutcomeUpToDate:
		logger.Debug("Model up to date.", fields...)
	default:
		logger.Info("Model refreshed.", append(fields, zap.Int64("bytes", res.Size), zap.String("sha256", res.SHA256))...)
	}

	if m.opts.Recorder == nil {
		return
	}
	// Record even when the refresh ctx has already ended.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.opts.Recorder.Record(rctx, res); err != nil {
		logger.Warn("Failed to record model refresh.", zap.Error(err))
	}
}

// RefreshAll refreshes every kind concurrently. Results follow schemas.ModelKinds order.
func (m *Manager) RefreshAll(ctx context.Context) []Result {
	results := make([]Result, len(m.kinds))
	var g errgroup.Group
	for i, k := range m.kinds {
		i, k := i, k
		g.Go(func() error {
			results[i] = m.Refresh(ctx, k)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Bootstrap brings every kind up before the loop starts: a fresh download
// first, then the cached artifact from a previous run. A kind left without a
// model is reported as ErrNoModel.
func (m *Manager) Bootstrap(ctx context.Context) error {
	errs := make([]error, len(m.kinds))
	var g errgroup.Group
	for i, k := range m.kinds {
		i, k := i, k
		g.Go(func() error {
			res := m.Refresh(ctx, k)
			if res.Outcome != OutcomeFailed {
				return nil
			}
			if cres := m.loadCached(ctx, k); cres.Outcome == OutcomeCached {
				return nil
			}
			if _, ok := m.slots[k].Current(); ok {
				return nil
			}
			errs[i] = fmt.Errorf("%w for %s: %v", ErrNoModel, k, res.Err)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// loadCached installs the artifact left in the cache by an earlier run.
func (m *Manager) loadCached(ctx context.Context, kind schemas.ModelKind) (res Result) {
	res = Result{ID: uuid.New(), Kind: kind, Started: time.Now()}
	logger := m.logger.With(zap.String("kind", string(kind)), zap.String("refresh_id", res.ID.String()))
	defer func() {
		res.Finished = time.Now()
		m.report(ctx, logger, res)
	}()

	path := m.CachePath(kind)
	res.SourceURL = "file://" + filepath.ToSlash(path)
	fi, err := os.Stat(path)
	if err != nil || fi.Size() == 0 {
		if err == nil {
			err = ErrEmptyArtifact
		}
		res.Outcome, res.Stage, res.Err = OutcomeFailed, StageVerify, err
		return res
	}
	res.Size = fi.Size()

	model, stage, err := m.load(ctx, kind, path)
	if err != nil {
		res.Outcome, res.Stage, res.Err = OutcomeFailed, stage, err
		return res
	}
	h, err := m.slots[kind].Install(model, Meta{SourceURL: res.SourceURL, Size: fi.Size(), Path: path})
	if err != nil {
		res.Outcome, res.Stage, res.Err = OutcomeFailed, StageInstall, err
		return res
	}
	res.Outcome, res.Generation = OutcomeCached, h.Generation
	return res
}

// Trigger requests a refresh of every kind from Run. It never blocks; a
// trigger already pending absorbs this one.
func (m *Manager) Trigger() {
	select {
	case m.triggerCh <- struct{}{}:
	default:
	}
}

// Run refreshes on the configured interval and on Trigger until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if m.opts.RefreshInterval > 0 {
		t := time.NewTicker(m.opts.RefreshInterval)
		defer t.Stop()
		tick = t.C
	}
	m.logger.Info("Model refresher started.", zap.Duration("interval", m.opts.RefreshInterval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Model refresher stopped.")
			return nil
		case <-tick:
			m.RefreshAll(ctx)
		case <-m.triggerCh:
			m.RefreshAll(ctx)
		}
	}
}

// Close retires every slot. Leases already held stay valid until released.
func (m *Manager) Close() {
	m.stopLife()
	for _, s := range m.slots {
		s.Close()
	}
}
