// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package license

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	xglog "github.com/ManuGH/xoffline/internal/log"
	"github.com/ManuGH/xoffline/internal/metrics"
	"github.com/ManuGH/xoffline/internal/platform/httpx"
	"github.com/ManuGH/xoffline/internal/resilience"
)

// Purposes label license server exchanges in logs and metrics.
const (
	PurposeAcquire   = "acquire"
	PurposeRelease   = "release"
	PurposeProvision = "provision"
)

// DefaultMessageHeader carries the DRM message token on license requests.
const DefaultMessageHeader = "X-AxDRM-Message"

const maxResponseBytes = 1 << 20

// Exchange is one POST to a license server.
type Exchange struct {
	Purpose      string
	URL          string
	Body         []byte
	MessageToken string
	Headers      map[string]string
}

// Exchanger performs license and provisioning round trips.
type Exchanger interface {
	Exchange(ctx context.Context, ex Exchange) ([]byte, error)
	// Provision posts an engine provisioning request to provisioningURL.
	Provision(ctx context.Context, provisioningURL string, data []byte) ([]byte, error)
}

// HTTPOptions configures an HTTPExchanger.
type HTTPOptions struct {
	Client           *http.Client
	Timeout          time.Duration
	MessageHeader    string
	RateLimit        float64 // requests per second; <= 0 disables limiting
	RateBurst        int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// HTTPExchanger talks to license servers over HTTP. Each host gets its own
// circuit breaker; all hosts share one token bucket.
type HTTPExchanger struct {
	client        *http.Client
	messageHeader string
	limiter       *rate.Limiter
	breakers      *resilience.Group
}

var _ Exchanger = (*HTTPExchanger)(nil)

// NewHTTPExchanger builds an exchanger from opts.
func NewHTTPExchanger(opts HTTPOptions) *HTTPExchanger {
	client := opts.Client
	if client == nil {
		client = httpx.NewClient(opts.Timeout)
	}
	header := opts.MessageHeader
	if header == "" {
		header = DefaultMessageHeader
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &HTTPExchanger{
		client:        client,
		messageHeader: header,
		limiter:       limiter,
		breakers: resilience.NewGroup("license_server", opts.BreakerThreshold, opts.BreakerCooldown,
			resilience.WithFailurePredicate(countsAgainstServer)),
	}
}

// OpenCircuits lists license server hosts whose breaker is not closed.
func (h *HTTPExchanger) OpenCircuits() []string {
	var hosts []string
	for host, st := range h.breakers.States() {
		if st != resilience.StateClosed {
			hosts = append(hosts, host)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// Exchange posts ex.Body and returns the response body. Non-2xx and empty
// responses fail with KindServerResponseEmpty.
func (h *HTTPExchanger) Exchange(ctx context.Context, ex Exchange) ([]byte, error) {
	if ex.URL == "" {
		return nil, newError(KindInvalidConfig, ex.Purpose, "", "license server url is empty", nil)
	}
	headers := make(http.Header, len(ex.Headers)+2)
	headers.Set("Content-Type", "application/octet-stream")
	for k, v := range ex.Headers {
		headers.Set(k, v)
	}
	if ex.MessageToken != "" {
		headers.Set(h.messageHeader, ex.MessageToken)
	}
	return h.post(ctx, ex.Purpose, ex.URL, ex.Body, headers)
}

// Provision posts to "<provisioningURL>&signedRequest=<data>" with an empty body.
func (h *HTTPExchanger) Provision(ctx context.Context, provisioningURL string, data []byte) ([]byte, error) {
	if provisioningURL == "" {
		return nil, newError(KindProvisioningFailed, PurposeProvision, "", "no provisioning url", nil)
	}
	sep := "&"
	if !strings.Contains(provisioningURL, "?") {
		sep = "?"
	}
	target := provisioningURL + sep + "signedRequest=" + url.QueryEscape(string(data))
	return h.post(ctx, PurposeProvision, target, nil, http.Header{})
}

func (h *HTTPExchanger) post(ctx context.Context, purpose, target string, body []byte, headers http.Header) ([]byte, error) {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return nil, newError(KindInvalidConfig, purpose, "", "invalid server url", err)
	}
	logger := xglog.WithComponentFromContext(ctx, "license.transport")

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			kind := classifyTransport(ctx, err)
			if ctx.Err() == nil {
				// Wait fails early when the deadline would pass before a token frees up.
				kind = KindTimeout
			}
			return nil, newError(kind, purpose, "", "rate limiter", err)
		}
	}

	var out []byte
	breaker := h.breakers.Get(u.Host)
	err = breaker.Execute(func() error {
		var callErr error
		out, callErr = h.do(ctx, purpose, target, body, headers)
		return callErr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		metrics.RecordLicenseServerRequest(purpose, "circuit_open")
		logger.Warn().
			Str(xglog.FieldEvent, "license.server.circuit_open").
			Str(xglog.FieldServerURL, httpx.SanitizeURL(target)).
			Msg("license server circuit open, request not sent")
		return nil, newError(KindTransport, purpose, "", "circuit open for "+u.Host, err)
	}
	if err != nil {
		logger.Warn().Err(err).
			Str(xglog.FieldEvent, "license.server.failed").
			Str(xglog.FieldOperation, purpose).
			Str(xglog.FieldServerURL, httpx.SanitizeURL(target)).
			Msg("license server exchange failed")
		return nil, err
	}
	logger.Debug().
		Str(xglog.FieldEvent, "license.server.ok").
		Str(xglog.FieldOperation, purpose).
		Int("bytes", len(out)).
		Msg("license server exchange completed")
	return out, nil
}

func (h *HTTPExchanger) do(ctx context.Context, purpose, target string, body []byte, headers http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, newError(KindInvalidConfig, purpose, "", "build request", err)
	}
	req.Header = headers

	resp, err := h.client.Do(req)
	if err != nil {
		metrics.RecordLicenseServerRequest(purpose, "error")
		return nil, newError(classifyTransport(ctx, err), purpose, "", "", err)
	}
	defer func() { _ = resp.Body.Close() }()

	metrics.RecordLicenseServerRequest(purpose, statusClass(resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, &Error{
			Kind:   KindServerResponseEmpty,
			Op:     purpose,
			Detail: "HTTP " + strconv.Itoa(resp.StatusCode),
			Err:    &statusError{code: resp.StatusCode},
		}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, newError(classifyTransport(ctx, err), purpose, "", "read response", err)
	}
	if len(data) == 0 {
		return nil, newError(KindServerResponseEmpty, purpose, "", "server response is empty", nil)
	}
	return data, nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

// countsAgainstServer decides which failures trip the breaker: network
// errors and 5xx. Client errors and empty 2xx bodies do not.
func countsAgainstServer(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	switch KindOf(err) {
	case KindTransport, KindTimeout:
		return true
	}
	return false
}

func classifyTransport(ctx context.Context, err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return KindTimeout
	}
	return KindTransport
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
