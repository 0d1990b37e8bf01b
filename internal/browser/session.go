// Package browser drives a game page in Chrome over CDP. A Session is both the
// frame source and the tap sink of the control loop.
package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rankbot/api/schemas"
	"github.com/xkilldash9x/rankbot/internal/config"
)

const (
	screenshotTimeout = 10 * time.Second
	tapTimeout        = 5 * time.Second
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("browser: session closed")

type runFunc func(ctx context.Context, actions ...chromedp.Action) error

// Session owns one tab.
type Session struct {
	logger *zap.Logger
	hold   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	run        runFunc
	screenshot func(ctx context.Context) ([]byte, error)
}

var (
	_ schemas.FrameSource = (*Session)(nil)
	_ schemas.TapSink     = (*Session)(nil)
)

// AllocatorOptions builds the Chrome launch flags for cfg.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("mute-audio", true),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	for _, arg := range cfg.Args {
		key, value, ok := ParseFlag(arg)
		if !ok {
			continue
		}
		opts = append(opts, chromedp.Flag(key, value))
	}
	return opts
}

// ParseFlag splits "--key=value" or "--key" into a chromedp flag. Bare flags
// map to true.
func ParseFlag(arg string) (key string, value interface{}, ok bool) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	if arg == "" {
		return "", nil, false
	}
	k, v, found := strings.Cut(arg, "=")
	if !found {
		return k, true, true
	}
	return k, v, true
}

// NewSession launches Chrome, fixes the viewport at device scale 1 so
// screenshot pixels equal CSS pixels, and opens cfg.URL.
func NewSession(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("browser")

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, AllocatorOptions(cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(logger.Sugar().Debugf))

	s := newSession(tabCtx, func() {
		tabCancel()
		allocCancel()
	}, cfg.TapHold, logger)

	err := chromedp.Run(tabCtx,
		chromedp.EmulateViewport(int64(cfg.ViewportWidth), int64(cfg.ViewportHeight)),
		chromedp.Navigate(cfg.URL),
	)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("opening %s: %w", cfg.URL, err)
	}
	logger.Info("Browser session ready.",
		zap.String("url", cfg.URL),
		zap.Int("width", cfg.ViewportWidth),
		zap.Int("height", cfg.ViewportHeight),
		zap.Bool("headless", cfg.Headless),
	)
	return s, nil
}

func newSession(tabCtx context.Context, cancel context.CancelFunc, hold time.Duration, logger *zap.Logger) *Session {
	s := &Session{logger: logger, hold: hold, ctx: tabCtx, cancel: cancel}
	s.run = s.runActions
	s.screenshot = func(ctx context.Context) ([]byte, error) {
		var buf []byte
		err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, err = page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(ctx)
			return err
		}))
		return buf, err
	}
	return s
}

// runActions executes actions on the tab. chromedp needs the tab context, so
// the caller's cancellation and deadline are layered onto it.
func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	opCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var dcancel context.CancelFunc
		opCtx, dcancel = context.WithDeadline(opCtx, deadline)
		defer dcancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(opCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// AcquireFrame implements schemas.FrameSource with a PNG screenshot of the viewport.
func (s *Session) AcquireFrame(ctx context.Context) (*schemas.Frame, error) {
	opCtx, cancel := context.WithTimeout(ctx, screenshotTimeout)
	defer cancel()

	buf, err := s.screenshot(opCtx)
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("decoding screenshot: %w", err)
	}
	return schemas.NewFrame(img, nil), nil
}

// TapActions is the press, hold, release sequence for one tap at (x, y).
func TapActions(x, y float64, hold time.Duration) []chromedp.Action {
	press := input.DispatchMouseEvent(input.MousePressed, x, y).
		WithButton(input.Left).
		WithButtons(1). // left button down
		WithClickCount(1)
	release := input.DispatchMouseEvent(input.MouseReleased, x, y).
		WithButton(input.Left).
		WithButtons(0).
		WithClickCount(1)
	if hold <= 0 {
		return []chromedp.Action{press, release}
	}
	return []chromedp.Action{press, chromedp.Sleep(hold), release}
}

// Tap implements schemas.TapSink.
func (s *Session) Tap(ctx context.Context, x, y float64) error {
	opCtx, cancel := context.WithTimeout(ctx, tapTimeout)
	defer cancel()

	if err := s.run(opCtx, TapActions(x, y, s.hold)...); err != nil {
		if opCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return fmt.Errorf("tap timed out after %v: %w", tapTimeout, opCtx.Err())
		}
		return err
	}
	s.logger.Debug("Tap delivered.", zap.Float64("x", x), zap.Float64("y", y))
	return nil
}

// Close shuts the tab and the browser process.
func (s *Session) Close() {
	s.cancel()
}
