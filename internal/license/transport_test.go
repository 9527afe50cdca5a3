// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package license

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/xoffline/internal/resilience"
)

func TestHTTPExchanger_SendsBodyAndHeaders(t *testing.T) {
	var gotBody, gotToken, gotCustom, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotToken = r.Header.Get("X-Drm-Token")
		gotCustom = r.Header.Get("X-Custom")
		gotType = r.Header.Get("Content-Type")
		_, _ = w.Write([]byte("license-bytes"))
	}))
	defer srv.Close()

	ex := NewHTTPExchanger(HTTPOptions{Client: srv.Client(), MessageHeader: "X-Drm-Token"})
	resp, err := ex.Exchange(context.Background(), Exchange{
		Purpose:      PurposeAcquire,
		URL:          srv.URL,
		Body:         []byte("challenge"),
		MessageToken: "tok",
		Headers:      map[string]string{"X-Custom": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "license-bytes", string(resp))
	assert.Equal(t, "challenge", gotBody)
	assert.Equal(t, "tok", gotToken)
	assert.Equal(t, "1", gotCustom)
	assert.Equal(t, "application/octet-stream", gotType)
}

func TestHTTPExchanger_StatusAndEmptyBody(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	ex := NewHTTPExchanger(HTTPOptions{Client: srv.Client()})

	for _, code := range []int32{200, 204, 403, 500} {
		status.Store(code)
		_, err := ex.Exchange(context.Background(), Exchange{Purpose: PurposeAcquire, URL: srv.URL})
		require.ErrorIs(t, err, KindServerResponseEmpty, "status %d", code)
	}
}

func TestHTTPExchanger_BreakerOpensOnServerErrorsOnly(t *testing.T) {
	var hits, status atomic.Int32
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	ex := NewHTTPExchanger(HTTPOptions{Client: srv.Client(), BreakerThreshold: 2, BreakerCooldown: time.Hour})
	call := func() error {
		_, err := ex.Exchange(context.Background(), Exchange{Purpose: PurposeAcquire, URL: srv.URL})
		return err
	}

	for i := 0; i < 3; i++ {
		require.Error(t, call())
	}
	assert.Equal(t, int32(3), hits.Load(), "client errors do not trip the breaker")
	assert.Empty(t, ex.OpenCircuits())

	status.Store(http.StatusBadGateway)
	require.Error(t, call())
	require.Error(t, call())
	err := call()
	require.ErrorIs(t, err, KindTransport)
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(5), hits.Load(), "open breaker short-circuits the request")
	u, _ := url.Parse(srv.URL)
	assert.Equal(t, []string{u.Host}, ex.OpenCircuits())
}

func TestHTTPExchanger_Provision(t *testing.T) {
	var gotQuery, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotMethod = r.Method
		_, _ = w.Write([]byte("cert"))
	}))
	defer srv.Close()
	ex := NewHTTPExchanger(HTTPOptions{Client: srv.Client()})

	resp, err := ex.Provision(context.Background(), srv.URL+"/certificateprovisioning/v1/devicecertificates/create?key=abc", []byte("a+b/c="))
	require.NoError(t, err)
	assert.Equal(t, "cert", string(resp))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "key=abc&signedRequest=a%2Bb%2Fc%3D", gotQuery)

	_, err = ex.Provision(context.Background(), srv.URL+"/provision", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "signedRequest=x", gotQuery)

	_, err = ex.Provision(context.Background(), "", []byte("x"))
	require.ErrorIs(t, err, KindProvisioningFailed)
}

func TestHTTPExchanger_InvalidURL(t *testing.T) {
	ex := NewHTTPExchanger(HTTPOptions{})
	_, err := ex.Exchange(context.Background(), Exchange{Purpose: PurposeRelease})
	require.ErrorIs(t, err, KindInvalidConfig)

	_, err = ex.Exchange(context.Background(), Exchange{Purpose: PurposeRelease, URL: "not a url"})
	require.ErrorIs(t, err, KindInvalidConfig)
}

func TestHTTPExchanger_RateLimitHonoursDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()
	ex := NewHTTPExchanger(HTTPOptions{Client: srv.Client(), RateLimit: 0.001, RateBurst: 1})

	_, err := ex.Exchange(context.Background(), Exchange{Purpose: PurposeAcquire, URL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ex.Exchange(ctx, Exchange{Purpose: PurposeAcquire, URL: srv.URL})
	require.ErrorIs(t, err, KindTimeout)
}
