package reader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"paperlens/internal/fetch"
	"paperlens/internal/redis"
)

// Client turns a PDF URL into plain text through the reader proxy.
type Client struct {
	baseURL string
	http    *http.Client
	retrier *fetch.Retrier
}

func NewClient(baseURL string, httpClient *http.Client, retrier *fetch.Retrier) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		retrier: retrier,
	}
}

// Read returns the extracted text of the document at pdfURL.
func (c *Client) Read(ctx context.Context, pdfURL string) (string, error) {
	target := c.baseURL + "/" + pdfURL

	var text string
	err := c.retrier.Do(ctx, target, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fetch.Permanent(fmt.Errorf("create request: %w", err))
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("request reader: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read reader body: %w", err)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("reader status %s", resp.Status)
		}
		text = string(body)
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// TextReader is what callers need from a document reader.
type TextReader interface {
	Read(ctx context.Context, pdfURL string) (string, error)
}

// CachedReader keeps extracted text in redis so rebuilt chat contexts skip the proxy.
type CachedReader struct {
	next   TextReader
	cache  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedReader(next TextReader, cache *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedReader {
	return &CachedReader{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "reader_cache").Logger(),
	}
}

func cacheKey(pdfURL string) string {
	sum := sha256.Sum256([]byte(pdfURL))
	return "reader:text:" + hex.EncodeToString(sum[:])
}

func (r *CachedReader) Read(ctx context.Context, pdfURL string) (string, error) {
	if !r.cache.Enabled() {
		return r.next.Read(ctx, pdfURL)
	}
	key := cacheKey(pdfURL)
	text, err := r.cache.Get(ctx, key)
	if err == nil {
		return text, nil
	}
	if !errors.Is(err, redis.ErrCacheMiss) {
		r.logger.Warn().Err(err).Str("url", pdfURL).Msg("reader cache lookup failed")
	}

	text, err = r.next.Read(ctx, pdfURL)
	if err != nil {
		return "", err
	}
	if err := r.cache.Set(ctx, key, text, r.ttl); err != nil {
		r.logger.Warn().Err(err).Str("url", pdfURL).Msg("reader cache store failed")
	}
	return text, nil
}
