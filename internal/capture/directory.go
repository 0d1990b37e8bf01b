// Package capture provides frame sources that do not need a live device.
package capture

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rankbot/api/schemas"
)

var imageExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// DirectorySource replays the images of a directory in lexical order and
// starts over after the last one. The listing is re-read on every wrap so
// files dropped in while running are picked up.
type DirectorySource struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	files []string
	next  int
}

// NewDirectorySource checks that dir exists.
func NewDirectorySource(dir string, logger *zap.Logger) (*DirectorySource, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("frame directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("frame directory: %s is not a directory", dir)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectorySource{dir: dir, logger: logger.Named("capture")}, nil
}

func (s *DirectorySource) list() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(s.dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// AcquireFrame implements schemas.FrameSource. An empty directory yields a nil
// frame and no error.
func (s *DirectorySource) AcquireFrame(ctx context.Context) (*schemas.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.next >= len(s.files) {
		files, err := s.list()
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("listing frames: %w", err)
		}
		s.files, s.next = files, 0
	}
	if len(s.files) == 0 {
		s.mu.Unlock()
		return nil, nil
	}
	path := s.files[s.next]
	s.next++
	s.mu.Unlock()

	img, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Frame loaded.", zap.String("path", path))
	return schemas.NewFrame(img, nil), nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return img, nil
}
