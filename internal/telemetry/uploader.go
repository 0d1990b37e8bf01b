// Package telemetry uploads state snapshots and screenshots off the control
// loop's goroutine.
package telemetry

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/rankbot/api/schemas"
	"github.com/xkilldash9x/rankbot/internal/network"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config tunes an Uploader.
type Config struct {
	BaseURL       string
	RatePerSecond float64
	Burst         int
	QueueSize     int
	// Timeout bounds one POST.
	Timeout time.Duration
}

// Stats counts what happened to submitted snapshots.
type Stats struct {
	Accepted    uint64
	RateLimited uint64
	Dropped     uint64
	Sent        uint64
	Failed      uint64
}

type snapshot struct {
	id    uuid.UUID
	state map[string]float64
	img   image.Image
}

// payload is the JSON body posted to {base}/data. State carries the feature
// vector as a JSON encoded string, not a nested object.
type payload struct {
	State      string `json:"state"`
	Screenshot string `json:"screenshot"`
}

type response struct {
	Key string `json:"key"`
}

// Uploader is a fire-and-forget sink. Nothing it does can block or fail the caller.
type Uploader struct {
	client   *network.Client
	endpoint string
	timeout  time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan snapshot

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	accepted, rateLimited, dropped, sent, failed atomic.Uint64
}

// New starts an uploader and its worker.
func New(client *network.Client, cfg Config, logger *zap.Logger) (*Uploader, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid telemetry base url %q", cfg.BaseURL)
	}
	if cfg.RatePerSecond <= 0 {
		return nil, errors.New("telemetry rate must be positive")
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if client == nil {
		client = network.NewClient(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &Uploader{
		client:   client,
		endpoint: base.JoinPath("data").String(),
		timeout:  cfg.Timeout,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:   logger.Named("telemetry"),
		queue:    make(chan snapshot, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go u.worker()
	return u, nil
}

// Submit queues a snapshot. The frame is copied before Submit returns so the
// caller may release it immediately. It reports whether the snapshot was queued.
func (u *Uploader) Submit(vector schemas.FeatureVector, frame *schemas.Frame) bool {
	if frame == nil || frame.Image() == nil {
		return false
	}
	if !u.limiter.Allow() {
		u.rateLimited.Add(1)
		return false
	}

	snap := snapshot{id: uuid.New(), state: vector.Map(), img: copyImage(frame.Image())}

	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		return false
	}
	select {
	case u.queue <- snap:
		u.accepted.Add(1)
		return true
	default:
		u.dropped.Add(1)
		u.logger.Debug("Telemetry queue full; snapshot dropped.")
		return false
	}
}

func copyImage(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Copy(dst, image.Point{}, src, b, draw.Src, nil)
	return dst
}

func (u *Uploader) worker() {
	defer close(u.done)
	for snap := range u.queue {
		if u.ctx.Err() != nil {
			u.failed.Add(1)
			continue
		}
		if err := u.send(snap); err != nil {
			u.failed.Add(1)
			u.logger.Warn("Telemetry upload failed.", zap.String("upload_id", snap.id.String()), zap.Error(err))
		}
	}
}

func (u *Uploader) send(snap snapshot) error {
	var img bytes.Buffer
	if err := png.Encode(&img, snap.img); err != nil {
		return fmt.Errorf("encoding screenshot: %w", err)
	}
	state, err := json.Marshal(snap.state)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	body, err := json.Marshal(payload{
		State:      string(state),
		Screenshot: base64.StdEncoding.EncodeToString(img.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	ctx, cancel := u.ctx, context.CancelFunc(func() {})
	if u.timeout > 0 {
		ctx, cancel = context.WithTimeout(u.ctx, u.timeout)
	}
	defer cancel()

	req, err := http.NewRequest(http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Upload-ID", snap.id.String())
	resp, err := u.client.DoChecked(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var r response
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if len(data) > 0 {
		_ = json.Unmarshal(data, &r)
	}
	u.sent.Add(1)
	u.logger.Info("Telemetry uploaded.",
		zap.String("upload_id", snap.id.String()),
		zap.String("key", r.Key),
		zap.Int("bytes", len(body)),
	)
	return nil
}

// Stats returns a snapshot of the counters.
func (u *Uploader) Stats() Stats {
	return Stats{
		Accepted:    u.accepted.Load(),
		RateLimited: u.rateLimited.Load(),
		Dropped:     u.dropped.Load(),
		Sent:        u.sent.Load(),
		Failed:      u.failed.Load(),
	}
}

// Close stops accepting snapshots and waits for the queue to drain. When ctx
// ends first, in-flight and queued uploads are abandoned and ctx.Err is returned.
func (u *Uploader) Close(ctx context.Context) error {
	u.mu.Lock()
	if !u.closed {
		u.closed = true
		close(u.queue)
	}
	u.mu.Unlock()

	select {
	case <-u.done:
		u.cancel()
		return nil
	case <-ctx.Done():
		u.cancel()
		<-u.done
		return ctx.Err()
	}
}
