package modelhub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/rankbot/api/schemas"
	"github.com/xkilldash9x/rankbot/internal/network"
)

func newTestFetcher(t *testing.T, url string) *Fetcher {
	t.Helper()
	f, err := NewFetcher(network.NewClient(nil), FetcherConfig{BaseURL: url}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return f
}

func TestFetcher_ResolveURL(t *testing.T) {
	cases := []struct {
		name        string
		body        string
		wantURL     string
		wantVersion string
		wantErr     error
	}{
		{"model_url key", `{"model_url":"https://cdn.example/d.tflite","version":"3"}`, "https://cdn.example/d.tflite", "3", nil},
		{"url key", `{"url":"https://cdn.example/u.tflite"}`, "https://cdn.example/u.tflite", "", nil},
		{"download key", `{"download":"https://cdn.example/x.tflite","version":7}`, "https://cdn.example/x.tflite", "7", nil},
		{"first non-empty wins", `{"model_url":"","url":"https://a/1","download":"https://b/2"}`, "https://a/1", "", nil},
		{"relative location", `{"url":"/files/m.bin"}`, "", "", nil},
		{"no location", `{"version":"1"}`, "", "", ErrNoModelURL},
		{"non-string url", `{"model_url":42}`, "", "", ErrNoModelURL},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotQuery string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/model", r.URL.Path)
				gotQuery = r.URL.Query().Get("type")
				_, _ = io.WriteString(w, tc.body)
			}))
			defer server.Close()

			md, err := newTestFetcher(t, server.URL).ResolveURL(context.Background(), schemas.ModelDetection)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "detection", gotQuery)
			want := tc.wantURL
			if want == "" {
				want = server.URL + "/files/m.bin"
			}
			assert.Equal(t, want, md.URL)
			assert.Equal(t, tc.wantVersion, md.Version)
		})
	}
}

func TestFetcher_ResolveURL_Failures(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusBadGateway)
		}))
		defer server.Close()
		_, err := newTestFetcher(t, server.URL).ResolveURL(context.Background(), schemas.ModelDecision)
		var se *network.StatusError
		assert.ErrorAs(t, err, &se)
	})

	t.Run("malformed json", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "{not json")
		}))
		defer server.Close()
		_, err := newTestFetcher(t, server.URL).ResolveURL(context.Background(), schemas.ModelDecision)
		assert.ErrorContains(t, err, "decoding decision metadata")
	})
}

func TestNewFetcher_InvalidBase(t *testing.T) {
	_, err := NewFetcher(nil, FetcherConfig{BaseURL: "not a url"}, nil)
	assert.Error(t, err)
}

func TestFetcher_Download(t *testing.T) {
	payload := []byte("model-bytes-0123456789")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL)
	path := filepath.Join(t.TempDir(), "nested", "decision_model.tflite.part")

	dl, err := f.Download(context.Background(), server.URL+"/m", path)
	require.NoError(t, err)
	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), dl.SHA256)
	assert.Equal(t, int64(len(payload)), dl.Size)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = f.Download(context.Background(), server.URL+"/missing", path+"2")
	assert.Error(t, err)
	_, statErr := os.Stat(path + "2")
	assert.True(t, os.IsNotExist(statErr), "nothing is left behind on failure")
}
