package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"devstack/internal/domain"
	"devstack/internal/service"
)

// HTTPSourceConfig configures an HTTPSource.
type HTTPSourceConfig struct {
	// BaseURL serves <engine>/<engine>-<version>.tar.gz and <engine>/index.json.
	BaseURL     string
	DownloadDir string
	Client      *http.Client
	// MaxTries bounds attempts of the initial request. Defaults to 4.
	MaxTries      uint
	RetryInterval time.Duration
}

// HTTPSource downloads archives from an HTTP mirror. Resumed transfers ask
// for the remaining bytes with a Range header.
type HTTPSource struct {
	base          string
	dir           string
	client        *http.Client
	maxTries      uint
	retryInterval time.Duration
}

var (
	_ service.DownloadSource   = (*HTTPSource)(nil)
	_ service.VersionCatalog   = (*HTTPSource)(nil)
	_ service.PartialDiscarder = (*HTTPSource)(nil)
)

func NewHTTPSource(cfg HTTPSourceConfig) *HTTPSource {
	s := &HTTPSource{
		base:          strings.TrimRight(cfg.BaseURL, "/"),
		dir:           cfg.DownloadDir,
		client:        cfg.Client,
		maxTries:      cfg.MaxTries,
		retryInterval: cfg.RetryInterval,
	}
	if s.client == nil {
		s.client = &http.Client{}
	}
	if s.maxTries == 0 {
		s.maxTries = 4
	}
	if s.retryInterval <= 0 {
		s.retryInterval = 500 * time.Millisecond
	}
	return s
}

func (s *HTTPSource) Fetch(ctx context.Context, req service.FetchRequest) (<-chan service.Chunk, error) {
	target, err := url.JoinPath(s.base, string(req.Engine), ArtifactName(req.Engine, req.Version))
	if err != nil {
		return nil, fmt.Errorf("build artifact url: %w", err)
	}
	f, err := openPartial(s.dir, req)
	if err != nil {
		return nil, err
	}
	resp, err := s.get(ctx, target, req.Offset)
	if err != nil {
		f.Close()
		return nil, err
	}

	var total int64
	switch resp.StatusCode {
	case http.StatusPartialContent:
		total = contentRangeTotal(resp.Header.Get("Content-Range"))
	default:
		if resp.ContentLength > 0 {
			total = resp.ContentLength
		}
		if req.Offset > 0 {
			// The mirror ignored the range; skip what is already on disk.
			log.Debug().Str("url", target).Int64("offset", req.Offset).Msg("range ignored, skipping prefix")
			if _, err := io.CopyN(io.Discard, resp.Body, req.Offset); err != nil {
				resp.Body.Close()
				f.Close()
				return nil, fmt.Errorf("skip resumed prefix: %w", err)
			}
		}
	}

	out := make(chan service.Chunk)
	go func() {
		defer resp.Body.Close()
		pump(ctx, resp.Body, f, total, ArtifactPath(s.dir, req.Engine, req.Version), out)
	}()
	return out, nil
}

// Versions reads <engine>/index.json, a JSON array of version strings.
func (s *HTTPSource) Versions(ctx context.Context, engine domain.EngineKind) ([]string, error) {
	target, err := url.JoinPath(s.base, string(engine), "index.json")
	if err != nil {
		return nil, fmt.Errorf("build index url: %w", err)
	}
	resp, err := s.get(ctx, target, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var versions []string
	if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
		return nil, fmt.Errorf("decode %s: %w", target, err)
	}
	return domain.SortVersions(versions), nil
}

// get issues a GET, retrying transport errors and 5xx/429 responses with
// exponential backoff. Other statuses fail immediately.
func (s *HTTPSource) get(ctx context.Context, target string, offset int64) (*http.Response, error) {
	attempt := 0
	op := func() (*http.Response, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if offset > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}
		resp, err := s.client.Do(req)
		if err != nil {
			log.Debug().Err(err).Str("url", target).Int("attempt", attempt).Msg("request failed")
			return nil, err
		}
		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
			return resp, nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			log.Debug().Str("url", target).Int("status", resp.StatusCode).Int("attempt", attempt).Msg("retrying")
			return nil, fmt.Errorf("GET %s: %s", target, resp.Status)
		default:
			resp.Body.Close()
			return nil, backoff.Permanent(fmt.Errorf("GET %s: %s", target, resp.Status))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(s.maxTries))
}

// contentRangeTotal parses the complete length of "bytes 0-99/1234".
// An unknown length ("*") yields 0.
func contentRangeTotal(header string) int64 {
	_, size, ok := strings.Cut(header, "/")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(size), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Discard removes what a cancelled or failed download left on disk.
func (s *HTTPSource) Discard(req service.FetchRequest) error {
	return discardPartial(s.dir, req)
}
