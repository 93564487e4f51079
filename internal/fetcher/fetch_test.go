package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(retries uint64) *Fetcher {
	f := New("ChannelVault/test", 5*time.Second, retries)
	f.Backoff = time.Millisecond
	return f
}

func TestFetchSendsUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		_, _ = w.Write([]byte(sampleM3U))
	}))
	defer srv.Close()

	f := newTestFetcher(0)
	records, err := f.Fetch(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, "ChannelVault/test", gotUA)

	_, err = f.Fetch(context.Background(), srv.URL, "VLC/3.0")
	require.NoError(t, err)
	assert.Equal(t, "VLC/3.0", gotUA)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("A,http://a\n"))
	}))
	defer srv.Close()

	records, err := newTestFetcher(2).Fetch(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher(3).Fetch(context.Background(), srv.URL, "")
	require.ErrorIs(t, err, ErrStatus)
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestFetcher(1).Fetch(context.Background(), srv.URL, "")
	require.ErrorIs(t, err, ErrStatus)
	assert.EqualValues(t, 2, calls.Load())
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(strings.Repeat("A,http://a\n", 100)))
	}))
	defer srv.Close()

	f := newTestFetcher(2)
	f.MaxBytes = 64
	_, err := f.Fetch(context.Background(), srv.URL, "")
	require.ErrorIs(t, err, ErrTooLarge)
	assert.EqualValues(t, 1, calls.Load(), "an oversized list is not retried")

	f.MaxBytes = 1100
	records, err := f.Fetch(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Len(t, records, 100)
}
