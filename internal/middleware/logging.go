package middleware

import (
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RequestLogger logs one line per request with its outcome.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		entry := log.WithFields(log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"client_ip":   getClientIP(r),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		switch {
		case rec.status >= http.StatusInternalServerError:
			entry.Error("Request failed")
		case rec.status >= http.StatusBadRequest:
			entry.Warn("Request rejected")
		default:
			entry.Info("Request served")
		}
	})
}
