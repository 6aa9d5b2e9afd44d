// Package source retrieves the raw catalog payload from a remote endpoint or a local file.
package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/instrument-catalog/internal/httpclient"
	"github.com/Checker-Finance/instrument-catalog/internal/rate"
	"github.com/Checker-Finance/instrument-catalog/pkg/model"
	"github.com/Checker-Finance/instrument-catalog/pkg/utils"
)

// Fetcher returns the raw catalog payload.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
	// Describe returns the location with credentials masked, safe for logs.
	Describe() string
}

// Options configure the HTTP source.
type Options struct {
	Timeout time.Duration
	Retry   httpclient.RetryPolicy
	RateMgr *rate.Manager
	Client  *http.Client
	Logger  *zap.Logger
}

// New picks the source implementation from the location: http(s) URLs are fetched
// remotely, file:// URLs and bare paths are read from disk.
func New(location string, opts Options) (Fetcher, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("source location is empty")
	}

	u, err := url.Parse(location)
	if err == nil {
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			return NewHTTPSource(location, opts), nil
		case "file":
			return NewFileSource(filepath.FromSlash(u.Path)), nil
		}
	}
	return NewFileSource(location), nil
}

// HTTPSource downloads the payload with bounded retries.
type HTTPSource struct {
	url  string
	exec *httpclient.Executor
}

func NewHTTPSource(rawURL string, opts Options) *HTTPSource {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPSource{
		url:  rawURL,
		exec: httpclient.New(opts.Logger, opts.RateMgr, client, opts.Retry, "source"),
	}
}

// Fetch runs the whole retry budget even if ctx is canceled mid-way; each attempt is
// bounded by the client timeout.
func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	ctx = context.WithoutCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, &model.FetchError{Source: s.Describe(), Err: err}
	}
	req.Header.Set("Accept", "text/csv, application/json;q=0.9, */*;q=0.5")

	body, attempts, err := s.exec.DoBytes(ctx, req, req.URL.Host)
	if err != nil {
		return nil, &model.FetchError{Source: s.Describe(), Attempts: attempts, Err: err}
	}
	return body, nil
}

func (s *HTTPSource) Describe() string { return utils.MaskURL(s.url) }

// FileSource reads the payload from disk without retries.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Fetch(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, &model.FetchError{Source: s.path, Attempts: 1, Err: err}
	}
	return data, nil
}

func (s *FileSource) Describe() string { return s.path }
