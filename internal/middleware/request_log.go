package middleware

import (
	"net/http"
	"time"

	"github.com/anonchat/internal/logger"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// RequestLog логирует время выполнения запроса по шаблону маршрута chi,
// чтобы id чатов не попадали в лог. Ответы 5xx пишутся как ошибки.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		if ww.Status() >= http.StatusInternalServerError {
			logger.Errorf("http %s %s status=%d", r.Method, route, ww.Status())
		}
		logger.LogDuration("http "+r.Method+" "+route, start)
	})
}
