// Package capture implements the screenshot and download side effects the
// page executor delegates: rasterizing the page (through a browser-backed
// Rasterizer), wrapping images into PDF, and saving remote, data: or inline
// content to the download directory.
package capture

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/logging"
)

var captureLog *logging.Logger

func init() {
	var err error
	captureLog, err = logging.NewLogger("capture")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize capture logger, using stderr fallback: %v\n", err)
	}
}

// ShotType selects the screenshot area.
type ShotType string

const (
	ShotVisible  ShotType = "visible"
	ShotFullPage ShotType = "fullpage"
)

// Format is the screenshot encoding.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatPDF  Format = "pdf"
)

// ScreenshotOptions describe one screenshot request.
type ScreenshotOptions struct {
	Type        ShotType
	Format      Format
	Quality     int
	SaveToLocal bool
	Filename    string
	// Selector restricts the capture to one element when set.
	Selector    string
	ElementRect *automation.Rect
}

// ScreenshotResult is the outcome of TakeScreenshot.
type ScreenshotResult struct {
	OK         bool
	DataURL    string
	Downloaded bool
	Filename   string
	Error      string
}

// DownloadOptions describe one download. Exactly one of URL or Content is
// used, URL first.
type DownloadOptions struct {
	URL         string
	Content     string
	Filename    string
	ContentType string
}

// DownloadResult is the outcome of DownloadFile.
type DownloadResult struct {
	OK         bool
	DownloadID int
	Filename   string
	Error      string
}

// RasterRequest asks a Rasterizer for image bytes.
type RasterRequest struct {
	FullPage bool
	Selector string
	JPEG     bool
	Quality  int
}

// Rasterizer renders the current page to PNG or JPEG.
type Rasterizer interface {
	Rasterize(ctx context.Context, req RasterRequest) ([]byte, error)
}

// Service implements the executor's capture collaborator on the local
// filesystem.
type Service struct {
	raster   Rasterizer
	dir      string
	client   *http.Client
	limiter  *rate.Limiter
	maxBytes int64

	mu     sync.Mutex
	nextID int
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient replaces the client used for URL downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		s.client = c
	}
}

// WithRateLimit throttles outbound URL downloads.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Service) {
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithMaxBytes caps the size of a single download.
func WithMaxBytes(n int64) Option {
	return func(s *Service) {
		s.maxBytes = n
	}
}

// New creates a Service saving files under dir. raster may be nil, in which
// case screenshots fail.
func New(dir string, raster Rasterizer, opts ...Option) *Service {
	s := &Service{
		raster:   raster,
		dir:      dir,
		client:   &http.Client{Timeout: 60 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(2), 4),
		maxBytes: 100 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir is the download directory.
func (s *Service) Dir() string { return s.dir }

// TakeScreenshot rasterizes the page and optionally saves it.
func (s *Service) TakeScreenshot(ctx context.Context, opts ScreenshotOptions) ScreenshotResult {
	if s.raster == nil {
		return ScreenshotResult{Error: "Screenshot failed: no browser attached"}
	}

	format := opts.Format
	switch format {
	case "":
		format = FormatPNG
	case FormatPNG, FormatJPEG, FormatPDF:
	case "jpg":
		format = FormatJPEG
	default:
		return ScreenshotResult{Error: fmt.Sprintf("unsupported screenshot format: %s", opts.Format)}
	}

	img, err := s.raster.Rasterize(ctx, RasterRequest{
		FullPage: opts.Type == ShotFullPage,
		Selector: opts.Selector,
		JPEG:     format == FormatJPEG,
		Quality:  opts.Quality,
	})
	if err != nil {
		return ScreenshotResult{Error: fmt.Sprintf("Screenshot failed: %v", err)}
	}

	data, mimeType := img, "image/png"
	switch format {
	case FormatJPEG:
		mimeType = "image/jpeg"
	case FormatPDF:
		data, err = imageToPDF(img)
		if err != nil {
			return ScreenshotResult{Error: fmt.Sprintf("Screenshot failed: %v", err)}
		}
		mimeType = "application/pdf"
	}

	res := ScreenshotResult{
		OK:      true,
		DataURL: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
	}
	if opts.SaveToLocal {
		name := ensureExt(sanitizeFilename(opts.Filename), "."+string(format))
		if name == "" {
			name = fmt.Sprintf("screenshot_%d.%s", time.Now().UnixMilli(), format)
		}
		path, err := s.write(name, data)
		if err != nil {
			return ScreenshotResult{Error: err.Error()}
		}
		res.Downloaded = true
		res.Filename = filepath.Base(path)
		captureLog.Infof("saved screenshot %s (%d bytes)", path, len(data))
	}
	return res
}

// DownloadFile saves a URL, data: URL or inline content to the download
// directory. Download ids are sequential per Service.
func (s *Service) DownloadFile(ctx context.Context, opts DownloadOptions) DownloadResult {
	var (
		data     []byte
		name     = sanitizeFilename(opts.Filename)
		mimeType = opts.ContentType
		err      error
	)

	switch {
	case opts.URL != "":
		if strings.HasPrefix(opts.URL, "data:") {
			data, mimeType, err = decodeDataURL(opts.URL)
		} else {
			data, mimeType, err = s.fetch(ctx, opts.URL)
			if name == "" {
				name = sanitizeFilename(nameFromURL(opts.URL))
			}
		}
	case opts.Content != "":
		data = []byte(opts.Content)
	default:
		err = fmt.Errorf("Must provide url, content, or element")
	}
	if err != nil {
		captureLog.Warnf("download failed: %v", err)
		return DownloadResult{Error: err.Error()}
	}

	id := s.allocateID()
	if name == "" {
		name = fmt.Sprintf("download_%d", id)
	}
	name = ensureExt(name, extensionFor(mimeType))

	path, err := s.write(name, data)
	if err != nil {
		return DownloadResult{Error: err.Error()}
	}
	captureLog.Infof("download %d saved to %s (%d bytes)", id, path, len(data))
	return DownloadResult{OK: true, DownloadID: id, Filename: filepath.Base(path)}
}

func (s *Service) allocateID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// write stores data under a name not yet taken in the download directory.
func (s *Service) write(name string, data []byte) (string, error) {
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	path := filepath.Join(s.dir, name)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(s.dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}

	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
