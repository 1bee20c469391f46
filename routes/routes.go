package routes

// routes/routes.go
// HTTP routing setup for the signing API.

import (
	"net/http"
	"time"

	"github.com/justinas/alice"
	"go.uber.org/zap"

	"github.com/collapsinghierarchy/p12sign/handler"
	"github.com/collapsinghierarchy/p12sign/service"
)

// SetupRoutes wires all HTTP endpoints behind the logging and recovery chain.
func SetupRoutes(svc *service.Service, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	srv := handler.New(svc)

	mux := http.NewServeMux()

	// Signing API endpoints
	mux.HandleFunc("/sign_app/", srv.Sign)
	mux.HandleFunc("GET "+service.DownloadPrefix+"{filename}", srv.Download)
	mux.HandleFunc("GET /signings/{app}", srv.History)

	// Health check
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	chain := alice.New(recoverPanic(log), logRequest(log))
	return chain.Then(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// logRequest logs method, path, status and latency. Query strings are left
// out since /sign_app/ may carry the certificate passphrase there.
func logRequest(log *zap.Logger) alice.Constructor {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Int64("bytes", rec.bytes),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}

func recoverPanic(log *zap.Logger) alice.Constructor {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					log.Error("panic serving request", zap.String("path", r.URL.Path), zap.Any("panic", v), zap.Stack("stack"))
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
