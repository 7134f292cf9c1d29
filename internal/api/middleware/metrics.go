// Package middleware provides HTTP middleware shared by the content and admin
// servers.
package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/piwi3910/stbcache/internal/metrics"
)

const operationUnknown = "Unknown"

// MetricsMiddleware records request metrics. The operation label is the
// matched chi route pattern, which keeps label cardinality bounded however
// many object keys are requested.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		metrics.IncrementActiveConnections()
		defer metrics.DecrementActiveConnections()

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		operation := routeOperation(r)

		metrics.RecordRequest(r.Method, operation, ww.Status(), time.Since(start))

		if ww.BytesWritten() > 0 {
			metrics.AddBytesSent(int64(ww.BytesWritten()))
		}

		if ww.Status() >= http.StatusBadRequest {
			metrics.RecordError(operation, getErrorType(ww.Status()))
		}
	})
}

// routeOperation names the request by its route pattern, e.g. "/*" or
// "/api/v1/cache/stats".
func routeOperation(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return operationUnknown
	}

	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}

	return operationUnknown
}

// getErrorType maps an HTTP status code to an error type label.
func getErrorType(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return "BadRequest"
	case status == http.StatusNotFound:
		return "NotFound"
	case status == http.StatusMethodNotAllowed:
		return "MethodNotAllowed"
	case status == http.StatusRequestedRangeNotSatisfiable:
		return "RangeNotSatisfiable"
	case status == http.StatusInternalServerError:
		return "InternalError"
	case status == http.StatusBadGateway:
		return "OriginError"
	case status == http.StatusServiceUnavailable:
		return "ServiceUnavailable"
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return "ClientError"
	case status >= http.StatusInternalServerError:
		return "ServerError"
	default:
		return operationUnknown
	}
}
