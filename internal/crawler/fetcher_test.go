package crawler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer ts.Close()

	f := NewHTTPFetcher(5*time.Second, "test-agent")
	defer f.Close()

	resp, err := f.Fetch(context.Background(), FetchRequest{URL: ts.URL + "/page"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html><body>ok</body></html>", string(resp.Body))
	assert.Equal(t, ts.URL+"/page", resp.FinalURL)
	assert.Greater(t, resp.ResponseTime, time.Duration(0))
}

func TestFetchFollowsRedirects(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/final", http.StatusMovedPermanently)
			return
		}
		w.Write([]byte("landed"))
	}))
	defer ts.Close()

	f := NewHTTPFetcher(5*time.Second, "test-agent")
	defer f.Close()

	resp, err := f.Fetch(context.Background(), FetchRequest{URL: ts.URL + "/start"})
	require.NoError(t, err)
	assert.Equal(t, ts.URL+"/final", resp.FinalURL)
	assert.Equal(t, "landed", string(resp.Body))
}

func TestFetchHTTPErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	f := NewHTTPFetcher(5*time.Second, "test-agent")
	defer f.Close()

	resp, err := f.Fetch(context.Background(), FetchRequest{URL: ts.URL})
	require.Error(t, err)

	var ferr *FetchError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, KindHTTP, ferr.Kind)
	assert.Equal(t, http.StatusTooManyRequests, ferr.StatusCode)
	assert.True(t, ferr.Retryable())

	// The response is still returned alongside the error.
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestFetchTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer ts.Close()

	f := NewHTTPFetcher(50*time.Millisecond, "test-agent")
	defer f.Close()

	_, err := f.Fetch(context.Background(), FetchRequest{URL: ts.URL})
	require.Error(t, err)

	var ferr *FetchError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, KindTimeout, ferr.Kind)
}

func TestFetchConnectionRefused(t *testing.T) {
	f := NewHTTPFetcher(time.Second, "test-agent")
	defer f.Close()

	_, err := f.Fetch(context.Background(), FetchRequest{URL: "http://127.0.0.1:1/"})
	require.Error(t, err)

	var ferr *FetchError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, KindConnection, ferr.Kind)
}

func TestFetchPreservesCookiesPerDomain(t *testing.T) {
	var gotCookie string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/set":
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc123"})
		case "/check":
			if c, err := r.Cookie("session"); err == nil {
				gotCookie = c.Value
			}
		}
	}))
	defer ts.Close()

	f := NewHTTPFetcher(5*time.Second, "test-agent")
	defer f.Close()

	ctx := context.Background()
	_, err := f.Fetch(ctx, FetchRequest{URL: ts.URL + "/set"})
	require.NoError(t, err)

	_, err = f.Fetch(ctx, FetchRequest{URL: ts.URL + "/check"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", gotCookie, "cookie from the first response must be replayed on the next request to the same domain")
}

func TestFetchInvalidProxy(t *testing.T) {
	f := NewHTTPFetcher(time.Second, "test-agent")
	defer f.Close()

	_, err := f.Fetch(context.Background(), FetchRequest{URL: "http://a.test/", Proxy: "::notaproxy"})
	require.Error(t, err)

	var ferr *FetchError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, KindProxy, ferr.Kind)
}
