package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lockstep-crawler/internal/crawler"
)

func TestFetcherFetchSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "lockstep-test", r.UserAgent())
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><a href="/a">a</a></html>`))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "lockstep-test", Timeout: time.Second})
	defer func() { _ = f.Close() }()

	page, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, crawler.PageOK, page.Status)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Equal(t, srv.URL, page.URL)
	assert.Contains(t, string(page.Body), `href="/a"`)
}

func TestFetcherFetchNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := New(Config{Timeout: time.Second})
	defer func() { _ = f.Close() }()

	page, err := f.Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)

	var fe *crawler.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Equal(t, srv.URL+"/missing", fe.URL)
	assert.Equal(t, crawler.PageFetchError, page.Status)
	assert.Empty(t, page.Body)
}

func TestFetcherClassifiesStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/203":
			w.WriteHeader(http.StatusNonAuthoritativeInfo)
			_, _ = w.Write([]byte(`<a href="/x">x</a>`))
		case "/204":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second})
	defer func() { _ = f.Close() }()

	page, err := f.Fetch(context.Background(), srv.URL+"/203")
	require.NoError(t, err)
	assert.Equal(t, crawler.PageOK, page.Status)
	assert.Equal(t, http.StatusNonAuthoritativeInfo, page.StatusCode)
	assert.Contains(t, string(page.Body), `href="/x"`)

	page, err = f.Fetch(context.Background(), srv.URL+"/204")
	require.NoError(t, err)
	assert.Equal(t, crawler.PageOK, page.Status)
	assert.Empty(t, page.Body)

	_, err = f.Fetch(context.Background(), srv.URL+"/500")
	var fe *crawler.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusInternalServerError, fe.StatusCode)
	assert.Equal(t, "Internal Server Error", fe.Reason)
}

func TestFetcherBoundsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second, MaxBodyBytes: 100})
	defer func() { _ = f.Close() }()

	page, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(page.Body), 100)
}

func TestFetcherTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := New(Config{Timeout: 50 * time.Millisecond})
	defer func() { _ = f.Close() }()

	_, err := f.Fetch(context.Background(), srv.URL)
	var fe *crawler.FetchError
	require.ErrorAs(t, err, &fe)
}

func TestFetcherContextCanceled(t *testing.T) {
	t.Parallel()

	f := New(Config{Timeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	page, err := f.Fetch(ctx, "http://127.0.0.1:1/")
	require.Error(t, err)
	assert.Equal(t, crawler.PageFetchError, page.Status)
}

func TestFetcherRevisitsSameURL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second})
	defer func() { _ = f.Close() }()

	for i := 0; i < 4; i++ {
		_, err := f.Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(4), hits.Load())
}

func TestFetcherCloseIdempotent(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{MaxBodyBytes: 4})
	start := time.Unix(0, 0)
	var out outcome

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, "https://example.com", start, &out)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body-too-long"),
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/final")},
	})
	assert.Equal(t, http.StatusCreated, out.page.StatusCode)
	assert.Equal(t, "body", string(out.page.Body))
	assert.Equal(t, "https://example.com/final", out.page.FinalURL)
	assert.NoError(t, out.err)

	hooks.onResponse(&colly.Response{StatusCode: http.StatusNotFound, Body: []byte("nope")})
	var fe *crawler.FetchError
	require.ErrorAs(t, out.err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Empty(t, out.page.Body)

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	require.ErrorAs(t, out.err, &fe)
	assert.Equal(t, http.StatusBadGateway, fe.StatusCode)
	assert.Equal(t, "boom", fe.Reason)

	hooks.onError(nil, nil)
	require.ErrorAs(t, out.err, &fe)
	assert.Equal(t, 0, fe.StatusCode)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
