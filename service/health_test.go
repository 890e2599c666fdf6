package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pipeline-bootstrap/internal"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const expectedContent = "Automation for the People"

func siteServing(t *testing.T, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprintf(w, "<html><body><h1>%s</h1></body></html>", body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthCheck_Healthy(t *testing.T) {
	var hits atomic.Int32
	ts := siteServing(t, "Automation for the People", &hits)
	p := NewHealthPoller(internal.DiscardLogger())

	result := p.Check(context.Background(), ts.URL, expectedContent, 5, time.Millisecond)
	assert.True(t, result.Healthy())
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, int32(1), hits.Load())
	assert.NoError(t, result.Err())
}

func TestHealthCheck_ContentMismatch(t *testing.T) {
	var hits atomic.Int32
	ts := siteServing(t, "Automation by the People", &hits)
	p := NewHealthPoller(internal.DiscardLogger())

	result := p.Check(context.Background(), ts.URL, expectedContent, 4, time.Millisecond)
	assert.Equal(t, Unhealthy, result.Status)
	assert.Equal(t, FailureContentMismatch, result.Kind)
	assert.Equal(t, 4, result.Attempts)
	assert.Equal(t, int32(4), hits.Load())
	assert.True(t, errors.Is(result.Err(), internal.ErrContentHealth))
}

func TestHealthCheck_StopOnMismatch(t *testing.T) {
	var hits atomic.Int32
	ts := siteServing(t, "Automation by the People", &hits)
	p := NewHealthPoller(internal.DiscardLogger())
	p.StopOnMismatch = true

	result := p.Check(context.Background(), ts.URL, expectedContent, 4, time.Millisecond)
	assert.Equal(t, FailureContentMismatch, result.Kind)
	assert.Equal(t, 1, result.Attempts)
}

func TestHealthCheck_RecoversFromUnreachable(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "no healthy backends", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, expectedContent)
	}))
	t.Cleanup(ts.Close)
	p := NewHealthPoller(internal.DiscardLogger())
	p.StopOnMismatch = true

	result := p.Check(context.Background(), ts.URL, expectedContent, 5, time.Millisecond)
	require.True(t, result.Healthy())
	assert.Equal(t, 3, result.Attempts)
}

func TestHealthCheck_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()
	p := NewHealthPoller(internal.DiscardLogger())

	result := p.Check(context.Background(), url, expectedContent, 2, time.Millisecond)
	assert.Equal(t, Unhealthy, result.Status)
	assert.Equal(t, FailureUnreachable, result.Kind)
	assert.Equal(t, 2, result.Attempts)
	assert.False(t, errors.Is(result.Err(), internal.ErrContentHealth))
}
