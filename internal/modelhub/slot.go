// Package modelhub keeps the detection and decision models current without
// interrupting the control loop.
package modelhub

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rankbot/api/schemas"
	"github.com/xkilldash9x/rankbot/internal/inference"
)

// ErrSlotClosed is returned by Install after Close.
var ErrSlotClosed = errors.New("modelhub: slot closed")

// Meta describes where an installed model came from.
type Meta struct {
	Kind        schemas.ModelKind
	Version     string
	SourceURL   string
	SHA256      string
	Size        int64
	Path        string
	InstalledAt time.Time
}

// Handle is an installed model. Generation strictly increases per slot.
type Handle struct {
	Model      inference.Model
	Meta       Meta
	Generation uint64
}

type entry struct {
	handle   Handle
	refs     int
	retired  bool
	disposed bool
}

// Slot holds the current model of one kind. Readers take a Lease for the
// duration of their use; a replaced model is disposed once its last lease is
// released and never while one is outstanding.
type Slot struct {
	kind   schemas.ModelKind
	logger *zap.Logger

	mu     sync.Mutex
	cur    *entry
	gen    uint64
	closed bool
}

// NewSlot creates an empty slot.
func NewSlot(kind schemas.ModelKind, logger *zap.Logger) *Slot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Slot{kind: kind, logger: logger.Named("slot").With(zap.String("kind", string(kind)))}
}

// Kind returns the model kind held here.
func (s *Slot) Kind() schemas.ModelKind { return s.kind }

// Lease pins one handle until Release.
type Lease struct {
	slot *Slot
	e    *entry
	once sync.Once
}

// Handle returns the pinned handle.
func (l *Lease) Handle() Handle { return l.e.handle }

// Model is shorthand for Handle().Model.
func (l *Lease) Model() inference.Model { return l.e.handle.Model }

// Release unpins the handle. Safe to call more than once and on a nil lease.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { l.slot.release(l.e) })
}

// Acquire pins the current handle. It reports false when nothing is installed.
func (s *Slot) Acquire() (*Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil, false
	}
	s.cur.refs++
	return &Lease{slot: s, e: s.cur}, true
}

// Current returns the installed handle without pinning it.
func (s *Slot) Current() (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return Handle{}, false
	}
	return s.cur.handle, true
}

// Generation returns the number of installs so far.
func (s *Slot) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Install makes model current and retires the previous one. After Close the
// model is disposed at once and ErrSlotClosed is returned.
func (s *Slot) Install(model inference.Model, meta Meta) (Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.dispose(Handle{Model: model, Meta: meta})
		return Handle{}, ErrSlotClosed
	}
	s.gen++
	meta.Kind = s.kind
	if meta.InstalledAt.IsZero() {
		meta.InstalledAt = time.Now()
	}
	next := &entry{handle: Handle{Model: model, Meta: meta, Generation: s.gen}}
	prev := s.cur
	s.cur = next
	doomed := s.retireLocked(prev)
	s.mu.Unlock()

	if doomed != nil {
		s.dispose(doomed.handle)
	}
	s.logger.Info("Model installed.",
		zap.Uint64("generation", next.handle.Generation),
		zap.String("version", meta.Version),
	)
	return next.handle, nil
}

// Close retires the current model. Outstanding leases stay valid until released.
func (s *Slot) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	doomed := s.retireLocked(s.cur)
	s.cur = nil
	s.mu.Unlock()

	if doomed != nil {
		s.dispose(doomed.handle)
	}
}

// retireLocked marks e retired and returns it when it is ready for disposal.
func (s *Slot) retireLocked(e *entry) *entry {
	if e == nil {
		return nil
	}
	e.retired = true
	if e.refs == 0 && !e.disposed {
		e.disposed = true
		return e
	}
	return nil
}

func (s *Slot) release(e *entry) {
	s.mu.Lock()
	e.refs--
	ready := e.retired && e.refs == 0 && !e.disposed
	if ready {
		e.disposed = true
	}
	s.mu.Unlock()

	if ready {
		s.dispose(e.handle)
	}
}

func (s *Slot) dispose(h Handle) {
	m := h.Model
	if m.Runtime == nil || m.Session == nil {
		return
	}
	if err := m.Runtime.Dispose(m.Session); err != nil {
		s.logger.Warn("Failed to dispose model session.", zap.Uint64("generation", h.Generation), zap.Error(err))
		return
	}
	s.logger.Debug("Model session disposed.", zap.Uint64("generation", h.Generation))
}
