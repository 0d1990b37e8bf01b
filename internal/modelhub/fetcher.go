package modelhub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rankbot/api/schemas"
	"github.com/xkilldash9x/rankbot/internal/network"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrNoModelURL means the metadata response carried no usable location.
	ErrNoModelURL = errors.New("modelhub: metadata has no model url")
	// ErrEmptyArtifact means the downloaded file is missing or empty.
	ErrEmptyArtifact = errors.New("modelhub: downloaded artifact is empty")
)

// urlKeys are tried in order; the first non-empty string wins.
var urlKeys = []string{"model_url", "url", "download"}

// maxMetadataBody bounds the metadata response.
const maxMetadataBody = 1 << 20

// Metadata is the decoded answer of the model endpoint.
type Metadata struct {
	URL     string
	Version string
}

// Download describes a fetched artifact.
type Download struct {
	Path   string
	Size   int64
	SHA256 string
}

// Source locates and fetches model artifacts.
type Source interface {
	ResolveURL(ctx context.Context, kind schemas.ModelKind) (Metadata, error)
	Download(ctx context.Context, rawURL, path string) (Download, error)
}

// Fetcher is the HTTP Source.
type Fetcher struct {
	client          *network.Client
	base            *url.URL
	logger          *zap.Logger
	metadataTimeout time.Duration
	downloadTimeout time.Duration
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	BaseURL         string
	MetadataTimeout time.Duration
	DownloadTimeout time.Duration
}

// NewFetcher creates a fetcher against cfg.BaseURL.
func NewFetcher(client *network.Client, cfg FetcherConfig, logger *zap.Logger) (*Fetcher, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid model base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid model base url %q: scheme and host required", cfg.BaseURL)
	}
	if client == nil {
		client = network.NewClient(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client:          client,
		base:            base,
		logger:          logger.Named("fetcher"),
		metadataTimeout: cfg.MetadataTimeout,
		downloadTimeout: cfg.DownloadTimeout,
	}, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// ResolveURL asks GET {base}/model?type={kind} where the artifact lives.
// Relative locations are resolved against the base URL.
func (f *Fetcher) ResolveURL(ctx context.Context, kind schemas.ModelKind) (Metadata, error) {
	ctx, cancel := withTimeout(ctx, f.metadataTimeout)
	defer cancel()

	endpoint := f.base.JoinPath("model")
	q := endpoint.Query()
	q.Set("type", string(kind))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return Metadata{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.DoChecked(ctx, req)
	if err != nil {
		return Metadata{}, fmt.Errorf("requesting %s metadata: %w", kind, err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBody)).Decode(&body); err != nil {
		return Metadata{}, fmt.Errorf("decoding %s metadata: %w", kind, err)
	}

	md := Metadata{Version: scalarString(body["version"])}
	for _, k := range urlKeys {
		if s, ok := body[k].(string); ok && s != "" {
			md.URL = s
			break
		}
	}
	if md.URL == "" {
		return Metadata{}, fmt.Errorf("%w (kind %s)", ErrNoModelURL, kind)
	}
	loc, err := url.Parse(md.URL)
	if err != nil {
		return Metadata{}, fmt.Errorf("invalid model url %q: %w", md.URL, err)
	}
	md.URL = f.base.ResolveReference(loc).String()
	return md, nil
}

// scalarString renders a JSON string or number; anything else is "".
func scalarString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// Download streams rawURL to path, replacing any file there. On failure the
// partial file is removed.
func (f *Fetcher) Download(ctx context.Context, rawURL, path string) (d Download, err error) {
	ctx, cancel := withTimeout(ctx, f.downloadTimeout)
	defer cancel()

	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return Download{}, err
	}
	resp, err := f.client.DoChecked(ctx, req)
	if err != nil {
		return Download{}, fmt.Errorf("downloading model: %w", err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Download{}, fmt.Errorf("creating cache dir: %w", err)
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Download{}, fmt.Errorf("creating staging file: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), resp.Body)
	if err != nil {
		return Download{}, fmt.Errorf("writing staging file: %w", err)
	}
	if err := out.Sync(); err != nil {
		return Download{}, fmt.Errorf("syncing staging file: %w", err)
	}

	f.logger.Debug("Artifact downloaded.", zap.String("path", path), zap.Int64("bytes", n))
	return Download{Path: path, Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}
