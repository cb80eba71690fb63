// Package download implements the Download Pool (spec.md §4.9): a
// bounded-concurrency fetcher for image descriptors the Stream Processor
// hands it, backed by a TTL+LRU cache and a duplicate-upload
// short-circuit cache, with an optional local archive.
package download

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lmarena-bridge/bridge/internal/config"
	"github.com/lmarena-bridge/bridge/pkg/bridgeerr"
)

// descriptorObject is the object form of the a2/b2 payload, which is
// either a bare URL string or an object naming one (spec.md §4.6's
// "Image attachment descriptor (URL or base64)").
type descriptorObject struct {
	URL    string `json:"url"`
	B64    string `json:"base64"`
	Base64 string `json:"data"`
}

// maxAttempts is the fixed retry budget for one descriptor resolution;
// the agent-side empty-response retry loop (spec.md §4.8) is a separate
// concern from this fetch-level retry.
const maxAttempts = 3

// Pool bounds concurrent outbound image fetches and serves resolved
// results from Cache before touching the network (spec.md §4.9).
type Pool struct {
	cfg     *config.Config
	logger  *zap.Logger
	client  *http.Client
	sem     chan struct{}
	cache   *Cache
	archive *Archive
}

// New builds a Pool sized from cfg.Download's concurrency and connection
// pool settings (spec.md §6).
func New(cfg *config.Config, logger *zap.Logger) *Pool {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Download.ConnectionPool.TotalLimit,
		MaxIdleConnsPerHost: cfg.Download.ConnectionPool.PerHostLimit,
		IdleConnTimeout:     cfg.Download.ConnectionPool.KeepaliveTimeout,
		DialContext: (&net.Dialer{
			Timeout: cfg.Download.Timeout.Connect,
		}).DialContext,
	}

	maxConcurrent := cfg.Download.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Pool{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Download.Timeout.Total,
		},
		sem:     make(chan struct{}, maxConcurrent),
		cache:   NewCache(cfg.Memory),
		archive: NewArchive(cfg, logger),
	}
}

// StartSweepers launches the cache's periodic expiry sweep; the archive
// and filebed selection have no state to sweep.
func (p *Pool) StartSweepers(ctx context.Context) {
	p.cache.StartSweeper(ctx, p.logger, time.Minute)
}

// Resolve implements streamproc.ResolveImage: it turns an a2/b2
// descriptor into a concrete URL or base64 string, per
// cfg.Images.ReturnFormat (spec.md §4.6, §6).
func (p *Pool) Resolve(raw json.RawMessage) (string, error) {
	url, inlineB64, err := parseDescriptor(raw)
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindDownloadFailed, "malformed image descriptor", err)
	}
	if inlineB64 != "" {
		return p.finish(inlineB64, inlineB64)
	}

	if cached, ok := p.cache.Get(url); ok {
		return p.finish(url, cached)
	}

	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	data, contentType, err := p.fetchWithRetry(url)
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindDownloadFailed, "fetch "+url, err)
	}

	b64 := base64.StdEncoding.EncodeToString(data)
	p.cache.Put(url, b64, data)

	if p.cfg.Images.SaveLocally {
		if archErr := p.archive.Save(url, data, contentType); archErr != nil {
			p.logger.Warn("image archive write failed", zap.String("url", url), zap.Error(archErr))
		}
	}

	return p.finish(url, b64)
}

// finish applies the configured return format: the original URL, or a
// data: URI built from the resolved base64 payload.
func (p *Pool) finish(url, b64 string) (string, error) {
	if p.cfg.Images.ReturnFormat == "base64" {
		return "data:image/" + p.cfg.Images.LocalSaveFormat + ";base64," + b64, nil
	}
	return url, nil
}

func (p *Pool) fetchWithRetry(url string) ([]byte, string, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 250 * time.Millisecond)
		}
		data, contentType, err := p.fetchOnce(url)
		if err == nil {
			return data, contentType, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, "", lastErr
		}
	}
	return nil, "", fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

func (p *Pool) fetchOnce(url string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Download.Timeout.Total)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	nonRetryable := []string{"404", "401", "403", "invalid"}
	for _, s := range nonRetryable {
		if strings.Contains(msg, s) {
			return false
		}
	}
	return true
}

func parseDescriptor(raw json.RawMessage) (url, inlineB64 string, err error) {
	var asString string
	if uerr := json.Unmarshal(raw, &asString); uerr == nil {
		if strings.HasPrefix(asString, "data:") {
			return "", asString, nil
		}
		return asString, "", nil
	}

	var obj descriptorObject
	if uerr := json.Unmarshal(raw, &obj); uerr == nil {
		if obj.URL != "" {
			return obj.URL, "", nil
		}
		if obj.B64 != "" {
			return "", obj.B64, nil
		}
		if obj.Base64 != "" {
			return "", obj.Base64, nil
		}
	}

	return "", "", fmt.Errorf("descriptor has neither url nor base64 payload")
}
