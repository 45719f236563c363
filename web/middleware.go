package web

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"time"

	"gitlab.com/localtalent/cve-tracker/tracker"
)

const sessionCookie = "session"

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered", "error", err, "path", r.URL.Path)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error", Code: "internal_error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack hands the connection to the WebSocket upgrade.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw.status = http.StatusSwitchingProtocols
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

type userHandler func(w http.ResponseWriter, r *http.Request, user tracker.User)

type tenantHandler func(w http.ResponseWriter, r *http.Request, user tracker.User, tenant tracker.Tenant)

// authenticated resolves the session cookie to a user.
func (s *Server) authenticated(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if cookie, err := r.Cookie(sessionCookie); err == nil {
			token = cookie.Value
		}
		user, err := s.svc.SessionUser(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, user)
	}
}

func (s *Server) superadmin(next userHandler) http.HandlerFunc {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, user tracker.User) {
		if !user.Superadmin {
			writeError(w, tracker.Forbidden("permission_denied", "superadmin role required"))
			return
		}
		next(w, r, user)
	})
}

// tenant resolves the {name} path value and checks the user's membership.
func (s *Server) tenant(needAdmin bool, next tenantHandler) http.HandlerFunc {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, user tracker.User) {
		tenant, err := s.svc.TenantByName(r.Context(), r.PathValue("name"))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.svc.Authorize(r.Context(), user, tenant.ID, needAdmin); err != nil {
			writeError(w, err)
			return
		}
		next(w, r, user, tenant)
	})
}
