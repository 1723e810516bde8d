package catalogue

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/freundallein/stacdc/chassis/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stacServer struct {
	authCalls     int32
	registerCalls int32
	deleted       []string
	conflictOnce  bool
}

func (s *stacServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.authCalls, 1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, `{"token":"tkn"}`)
	})
	mux.HandleFunc("/collections/reanalysis-era5-land/items", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tkn", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		n := atomic.AddInt32(&s.registerCalls, 1)
		if s.conflictOnce && n == 1 {
			io.WriteString(w, `{"errors":[{"code":409,"error":"Item reanalysis-era5-land_2024_06_10_czech_republic already exists"}]}`)
			return
		}
		io.WriteString(w, `{"features":[{"featureId":"abc-123"}]}`)
	})
	mux.HandleFunc("/collections/reanalysis-era5-land/items/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		s.deleted = append(s.deleted, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestClient(t *testing.T, host string) *STACClient {
	t.Helper()
	c, err := NewSTACClient(STACConfig{
		Host:       host,
		Username:   "user",
		Password:   "pass",
		MaxRetries: 3,
		Jitter:     func() float64 { return 0 },
	})
	require.NoError(t, err)
	return c
}

func TestSTACRegisterAndTokenCache(t *testing.T) {
	srv := &stacServer{}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()
	ctx, tc, _ := testutils.UseTime(context.Background(), time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC))
	c := newTestClient(t, ts.URL+"/")

	for i := 0; i < 2; i++ {
		id, err := c.RegisterItem(ctx, "reanalysis-era5-land", []byte(`{}`))
		require.NoError(t, err)
		assert.Equal(t, "abc-123", id)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&srv.authCalls))

	tc.Add(13 * time.Hour)
	_, err := c.RegisterItem(ctx, "reanalysis-era5-land", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&srv.authCalls))
}

func TestSTACConflictThroughRegistrar(t *testing.T) {
	srv := &stacServer{conflictOnce: true}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()
	c := newTestClient(t, ts.URL)

	_, err := c.RegisterItem(context.Background(), "reanalysis-era5-land", []byte(`{}`))
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "reanalysis-era5-land_2024_06_10_czech_republic", conflict.ExistingID)

	atomic.StoreInt32(&srv.registerCalls, 0)
	id, err := NewRegistrar(c, 3).Register(context.Background(), "reanalysis-era5-land", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)
	assert.Equal(t, []string{
		"/collections/reanalysis-era5-land/items/reanalysis-era5-land_2024_06_10_czech_republic",
	}, srv.deleted)
}

func TestSTACNonConflictErrorEntry(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth" {
			io.WriteString(w, `{"token":"tkn"}`)
			return
		}
		io.WriteString(w, `{"errors":[{"code":422,"error":"invalid geometry"}]}`)
	}))
	defer ts.Close()
	c := newTestClient(t, ts.URL)

	_, err := c.RegisterItem(context.Background(), "x", []byte(`{}`))
	var status *StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, 422, status.StatusCode)
	assert.Equal(t, "invalid geometry", status.Body)
}

func TestSTACStatusErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth" {
			io.WriteString(w, `{"token":"tkn"}`)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()
	c := newTestClient(t, ts.URL)

	_, err := c.RegisterItem(context.Background(), "x", []byte(`{}`))
	var status *StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, http.StatusBadGateway, status.StatusCode)

	err = c.DeleteItem(context.Background(), "x", "y")
	require.True(t, errors.As(err, &status))
}

func TestSTACAuthFailures(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	_, err := c.RegisterItem(context.Background(), "x", []byte(`{}`))
	assert.ErrorIs(t, err, ErrTokenMissing)

	noCreds, err := NewSTACClient(STACConfig{Host: ts.URL})
	require.NoError(t, err)
	_, err = noCreds.RegisterItem(context.Background(), "x", []byte(`{}`))
	assert.ErrorIs(t, err, ErrCredentialsMissing)

	_, err = NewSTACClient(STACConfig{})
	assert.ErrorIs(t, err, ErrHostMissing)
}

func TestSTACTransportRetriesExhausted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	host := ts.URL
	ts.Close()

	ctx, _, timers := testutils.UseTime(context.Background(), time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC))
	c := newTestClient(t, host)
	_, err := c.RegisterItem(ctx, "x", []byte(`{}`))

	var timeout *TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, 3, timeout.Attempts)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, timers.Durations())
}
