package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/freundallein/stacdc/chassis/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)

func newClient(t *testing.T, url string) *CDSClient {
	t.Helper()
	c, err := NewCDSClient(CDSConfig{
		URL:          url,
		Key:          "secret",
		PollInterval: 10 * time.Second,
		MaxRetries:   3,
	})
	require.NoError(t, err)
	return c
}

func TestFetchPollsUntilSuccessful(t *testing.T) {
	var polls int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			assert.Equal(t, "secret", r.Header.Get("PRIVATE-TOKEN"))
		} else {
			assert.Empty(t, r.Header.Get("PRIVATE-TOKEN"))
		}
		switch r.URL.Path {
		case "/api/retrieve/v1/processes/reanalysis-era5-land/execution":
			assert.Equal(t, http.MethodPost, r.Method)
			var body struct {
				Inputs map[string]interface{} `json:"inputs"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "grib", body.Inputs["data_format"])
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"jobID":"job-1","status":"accepted"}`)
		case "/api/retrieve/v1/jobs/job-1":
			if atomic.AddInt32(&polls, 1) < 3 {
				io.WriteString(w, `{"jobID":"job-1","status":"running"}`)
				return
			}
			io.WriteString(w, `{"jobID":"job-1","status":"successful"}`)
		case "/api/retrieve/v1/jobs/job-1/results":
			io.WriteString(w, `{"asset":{"value":{"href":"`+srv.URL+`/download/job-1.grib","file:size":4}}}`)
		case "/download/job-1.grib":
			io.WriteString(w, "GRIB")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx, _, timers := testutils.UseTime(context.Background(), epoch)
	c := newClient(t, srv.URL+"/api/")
	path, err := c.Fetch(ctx, Request{
		Dataset: "reanalysis-era5-land",
		Format:  "grib",
		Inputs:  map[string]interface{}{"data_format": "grib"},
	})
	require.NoError(t, err)
	defer os.Remove(path)

	assert.Equal(t, ".grib", filepath.Ext(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "GRIB", string(data))
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second}, timers.Durations())
}

func TestFetchNotYetAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"title":"invalid request","detail":"None of the data you have requested is available yet, please revise the period requested."}`)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Fetch(context.Background(), Request{Dataset: "x"})
	assert.True(t, IsNotYetAvailable(err))
}

func TestFetchOtherBadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"detail":"unknown variable"}`)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Fetch(context.Background(), Request{Dataset: "x"})
	var status *StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, http.StatusBadRequest, status.StatusCode)
	assert.False(t, IsNotYetAvailable(err))
}

func TestFetchJobFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			io.WriteString(w, `{"jobID":"job-2","status":"accepted"}`)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/results") {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"title":"job failed","detail":"MARS returned no data"}`)
			return
		}
		io.WriteString(w, `{"jobID":"job-2","status":"failed"}`)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Fetch(context.Background(), Request{Dataset: "x"})
	var failed *JobFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "job-2", failed.JobID)
	assert.Equal(t, "failed", failed.Status)
	assert.False(t, IsNotYetAvailable(err))
}

func TestFetchFailedJobNotYetAvailable(t *testing.T) {
	var resultsRead int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/retrieve/v1/processes/x/execution":
			io.WriteString(w, `{"jobID":"job-3","status":"accepted"}`)
		case "/retrieve/v1/jobs/job-3":
			io.WriteString(w, `{"jobID":"job-3","status":"failed"}`)
		case "/retrieve/v1/jobs/job-3/results":
			atomic.AddInt32(&resultsRead, 1)
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"title":"no data","detail":"None of the data you have requested is available yet, please revise the period requested."}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx, _, timers := testutils.UseTime(context.Background(), epoch)
	_, err := newClient(t, srv.URL).Fetch(ctx, Request{Dataset: "x"})
	assert.True(t, IsNotYetAvailable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&resultsRead))
	assert.Equal(t, []time.Duration{10 * time.Second}, timers.Durations())
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, _, timers := testutils.UseTime(context.Background(), epoch)
	_, err := newClient(t, srv.URL).Fetch(ctx, Request{Dataset: "x"})
	var timeout *TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, 3, timeout.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timers.Durations())
}

func TestFetchBackoffIsCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewCDSClient(CDSConfig{URL: srv.URL, Key: "secret", MaxRetries: 8})
	require.NoError(t, err)
	ctx, _, timers := testutils.UseTime(context.Background(), epoch)
	_, err = c.Fetch(ctx, Request{Dataset: "x"})
	var timeout *TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, 8, timeout.Attempts)
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, timers.Durations())
}

func TestNewCDSClientRequiresKey(t *testing.T) {
	_, err := NewCDSClient(CDSConfig{URL: "http://x"})
	assert.ErrorIs(t, err, ErrKeyMissing)
}

func TestOwnsURL(t *testing.T) {
	c := newClient(t, "https://cds.example/api/")
	for raw, want := range map[string]bool{
		"https://cds.example/api/retrieve/v1/jobs/1": true,
		"https://cds.example/api":                    true,
		"https://cds.example/apix/leak":              false,
		"https://object-store.example/result.grib":   false,
	} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, want, c.ownsURL(u), raw)
	}
}
