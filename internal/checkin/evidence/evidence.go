// Package evidence stores the photos a scanner takes around a check-in.
// Storage is best effort: it never blocks or changes a gate decision.
package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"

	"ms-admission/internal/config"
	"ms-admission/internal/logger"
)

type Image struct {
	Data       []byte    `json:"data"`
	CapturedAt time.Time `json:"captured_at"`
	Label      string    `json:"label,omitempty"`
}

// Store persists one image and returns where it ended up.
type Store interface {
	Save(ctx context.Context, name string, img Image) (string, error)
}

// NewStore picks the backend named by cfg.Driver.
func NewStore(cfg config.EvidenceConfig) (Store, error) {
	switch cfg.Driver {
	case "cloudinary":
		return NewCloudinaryStore(cfg.CloudinaryName, cfg.CloudinaryKey, cfg.CloudinarySecret, cfg.CloudinaryFolder)
	case "", "local":
		return NewLocalStore(cfg.LocalDir)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown evidence driver %q", cfg.Driver)
	}
}

type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) Save(ctx context.Context, name string, img Image) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, name+extension(img.Data))
	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type CloudinaryStore struct {
	cld    *cloudinary.Cloudinary
	folder string
}

func NewCloudinaryStore(cloudName, apiKey, apiSecret, folder string) (*CloudinaryStore, error) {
	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("cloudinary init failed: %w", err)
	}
	return &CloudinaryStore{cld: cld, folder: folder}, nil
}

func (s *CloudinaryStore) Save(ctx context.Context, name string, img Image) (string, error) {
	res, err := s.cld.Upload.Upload(ctx, bytes.NewReader(img.Data), uploader.UploadParams{
		Folder:       s.folder,
		PublicID:     name,
		ResourceType: "image",
	})
	if err != nil {
		return "", err
	}
	if res.Error.Message != "" {
		return "", errors.New(res.Error.Message)
	}
	return res.SecureURL, nil
}

func extension(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

// Recorder saves images in the background with a per-batch timeout.
type Recorder struct {
	store     Store
	timeout   time.Duration
	maxImages int
	logger    *logger.Logger
	wg        sync.WaitGroup
}

// NewRecorder wraps store. A nil store makes Capture a no-op.
func NewRecorder(store Store, cfg config.EvidenceConfig, log *logger.Logger) *Recorder {
	timeout := cfg.UploadTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	maxImages := cfg.MaxImagesPerTicket
	if maxImages <= 0 {
		maxImages = 4
	}
	return &Recorder{store: store, timeout: timeout, maxImages: maxImages, logger: log}
}

// Capture stores up to the configured number of images for ticketCode and
// returns immediately. Failures are logged.
func (r *Recorder) Capture(ticketCode, decision string, images []Image) int {
	if r == nil || r.store == nil || len(images) == 0 {
		return 0
	}
	if len(images) > r.maxImages {
		r.logger.Warn("EVIDENCE", fmt.Sprintf("Dropping %d extra image(s) for %s", len(images)-r.maxImages, ticketCode))
		images = images[:r.maxImages]
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		for i, img := range images {
			if len(img.Data) == 0 {
				continue
			}
			at := img.CapturedAt
			if at.IsZero() {
				at = time.Now().UTC()
			}
			name := fmt.Sprintf("%s_%s_%d_%d", safeName(ticketCode), decision, at.Unix(), i+1)
			loc, err := r.store.Save(ctx, name, img)
			if err != nil {
				r.logger.Error("EVIDENCE", fmt.Sprintf("Failed to store image %d for %s: %v", i+1, ticketCode, err))
				continue
			}
			r.logger.Debug("EVIDENCE", fmt.Sprintf("Stored %s", loc))
		}
	}()
	return len(images)
}

// Wait blocks until pending uploads finish. Called on shutdown.
func (r *Recorder) Wait() {
	if r != nil {
		r.wg.Wait()
	}
}

func safeName(s string) string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
			return c
		}
		return '_'
	}, s)
}
