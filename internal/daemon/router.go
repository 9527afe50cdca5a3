// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/xoffline/internal/downloads"
	"github.com/ManuGH/xoffline/internal/health"
	"github.com/ManuGH/xoffline/internal/license"
	"github.com/ManuGH/xoffline/internal/ratelimit"
	xglog "github.com/ManuGH/xoffline/internal/log"
	"github.com/ManuGH/xoffline/internal/telemetry"
)

const (
	maxClassifyBody = 1 << 20
)

// LicenseStatus reads offline license validity without opening DRM sessions.
type LicenseStatus interface {
	Status(ctx context.Context, contentID string) (license.Status, error)
	List(ctx context.Context) ([]license.Status, error)
}

// RouterDeps feeds the ops HTTP handler.
type RouterDeps struct {
	Licenses LicenseStatus
	Policy   downloads.Policy
	// PolicySource, when set, is read per request and overrides Policy.
	PolicySource func() downloads.Policy
	// Health serves the probes. Nil means an empty manager, always ready.
	Health *health.Manager
	// Limiter throttles /v1. Nil disables limiting.
	Limiter *ratelimit.Limiter
	// ClassifyPerMinute caps classify calls per client. Zero disables.
	ClassifyPerMinute int
}

// NewRouter builds the ops handler: probes, Prometheus metrics, license
// status and the download classifier.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(requestLogger)

	hm := deps.Health
	if hm == nil {
		hm = health.NewManager("", 0)
	}
	r.Get("/healthz", hm.ServeHealth)
	r.Get("/readyz", hm.ServeReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if deps.Limiter != nil {
			r.Use(deps.Limiter.Middleware)
		}
		if deps.Licenses != nil {
			r.Get("/licenses", listLicenses(deps.Licenses))
			r.Get("/licenses/{contentID}", getLicense(deps.Licenses))
		}
		policy := deps.PolicySource
		if policy == nil {
			fixed := deps.Policy
			policy = func() downloads.Policy { return fixed }
		}
		r.Group(func(r chi.Router) {
			if deps.ClassifyPerMinute > 0 {
				r.Use(ratelimit.Window(deps.ClassifyPerMinute, time.Minute))
			}
			r.Post("/downloads/classify", classifyDownloads(policy))
		})
	})

	return otelhttp.NewHandler(r, "ops",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}))
}

func listLicenses(src LicenseStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := src.List(r.Context())
		if err != nil {
			writeLicenseError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func getLicense(src LicenseStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := src.Status(r.Context(), chi.URLParam(r, "contentID"))
		if err != nil {
			writeLicenseError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// classifyDownloads accepts one record or an array of records.
func classifyDownloads(policySource func() downloads.Policy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		policy := policySource()
		body, err := io.ReadAll(io.LimitReader(r.Body, maxClassifyBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		records, single, err := decodeRecords(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		span := trace.SpanFromContext(r.Context())
		verdicts := make([]downloads.Verdict, 0, len(records))
		for _, rec := range records {
			if err := rec.Validate(); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			span.SetAttributes(telemetry.DownloadAttributes(rec.ID, string(rec.State), rec.PercentComplete)...)
			verdicts = append(verdicts, downloads.Classify(policy, rec))
		}
		if single {
			writeJSON(w, http.StatusOK, verdicts[0])
			return
		}
		writeJSON(w, http.StatusOK, verdicts)
	}
}

func decodeRecords(body []byte) ([]downloads.Record, bool, error) {
	var many []downloads.Record
	if err := json.Unmarshal(body, &many); err == nil {
		return many, false, nil
	}
	var one downloads.Record
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, false, err
	}
	return []downloads.Record{one}, true, nil
}

func writeLicenseError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch license.KindOf(err) {
	case license.KindNotFound:
		status = http.StatusNotFound
	case license.KindInvalidConfig:
		status = http.StatusBadRequest
	case license.KindTimeout, license.KindCanceled:
		status = http.StatusGatewayTimeout
	}
	body := map[string]any{"error": err.Error(), "kind": license.KindOf(err).String()}
	var le *license.Error
	if errors.As(err, &le) {
		body["code"] = le.Code()
	}
	writeJSON(w, status, body)
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := xglog.ContextWithRequestID(r.Context(), chimw.GetReqID(r.Context()))
		next.ServeHTTP(ww, r.WithContext(ctx))

		logger := xglog.WithComponentFromContext(ctx, "ops.http")
		ev := logger.Debug()
		if ww.Status() >= 500 {
			ev = logger.Warn()
		}
		ev.Str(xglog.FieldEvent, "http.request").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("ops request")
	})
}
