package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// headerTracker remembers whether a response was already started.
type headerTracker struct {
	http.ResponseWriter
	started bool
}

func (w *headerTracker) WriteHeader(code int) {
	w.started = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *headerTracker) Write(b []byte) (int, error) {
	w.started = true
	return w.ResponseWriter.Write(b)
}

// Recover logs a handler panic with its stack and answers with fallback, unless
// the handler already started the response. A nil fallback writes a plain 500.
func Recover(log zerolog.Logger, fallback http.HandlerFunc) func(next http.Handler) http.Handler {
	if fallback == nil {
		fallback = func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tw := &headerTracker{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error().
					Str("request_id", RequestIDFrom(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Bool("response_started", tw.started).
					Interface("error", rec).
					Bytes("stack", debug.Stack()).
					Msg("http_panic")
				if !tw.started {
					fallback(w, r)
				}
			}()
			next.ServeHTTP(tw, r)
		})
	}
}
