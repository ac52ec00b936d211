package reader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperlens/internal/config"
	"paperlens/internal/fetch"
	"paperlens/internal/logger"
	"paperlens/internal/redis"
)

func testRetrier() *fetch.Retrier {
	return fetch.NewRetrier(config.FetchConfig{MaxAttempts: 3, TimeoutSeconds: 1, BackoffBaseMS: 1}, logger.Nop())
}

func TestReadPrefixesProxy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/https://openreview.net/attachment", r.URL.Path)
		w.Write([]byte("paper body"))
	}))
	defer srv.Close()

	text, err := NewClient(srv.URL, nil, testRetrier()).Read(context.Background(), "https://openreview.net/attachment?id=p1&name=pdf")
	require.NoError(t, err)
	assert.Equal(t, "paper body", text)
}

func TestReadGivesUpAfterThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil, testRetrier()).Read(context.Background(), "https://x/y.pdf")
	var fe *fetch.Error
	require.True(t, errors.As(err, &fe))
	assert.EqualValues(t, 3, calls.Load())
}

type countingReader struct {
	calls int
	text  string
}

func (c *countingReader) Read(context.Context, string) (string, error) {
	c.calls++
	return c.text, nil
}

func TestCachedReaderHitsProxyOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	client, err := redis.NewRedisClient(config.RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	defer client.Close()

	next := &countingReader{text: "cached text"}
	r := NewCachedReader(next, client, time.Hour, logger.Nop())

	for i := 0; i < 3; i++ {
		text, err := r.Read(context.Background(), "https://x/y.pdf")
		require.NoError(t, err)
		assert.Equal(t, "cached text", text)
	}
	assert.Equal(t, 1, next.calls)
	assert.True(t, mr.Exists(cacheKey("https://x/y.pdf")))
}

func TestCachedReaderWithoutRedis(t *testing.T) {
	next := &countingReader{text: "t"}
	r := NewCachedReader(next, nil, time.Hour, logger.Nop())

	_, err := r.Read(context.Background(), "u")
	require.NoError(t, err)
	_, err = r.Read(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}
