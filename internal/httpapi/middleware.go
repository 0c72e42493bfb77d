package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/safar/bookstore-fulfillment/internal/auth"
)

const requestIDHeader = "X-Request-Id"

func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(s.log.WithRequestID(r.Context(), reqID)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := s.log.WithFields(r.Context(), map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
		})

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.log.Info(s.log.WithFields(ctx, map[string]any{
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}), "request.complete")
	})
}

func (s *server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				err := fmt.Errorf("panic: %v", rec)
				s.log.Error(r.Context(), "panic.recovered", err)
				respondJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error", Code: "internal"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authenticate requires a bearer session token and puts the principal on the
// request context.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		token := raw
		if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
			token = strings.TrimSpace(token[7:])
		} else {
			token = ""
		}
		if token == "" || s.tokens == nil {
			s.respondError(w, r, errUnauthorized)
			return
		}

		claims, err := s.tokens.Parse(token)
		if err != nil {
			s.respondError(w, r, fmt.Errorf("%w: %v", errUnauthorized, err))
			return
		}

		principal := auth.Principal{UserID: claims.Subject, Role: claims.Role}
		ctx := auth.WithPrincipal(r.Context(), principal)
		ctx = s.log.WithUserID(ctx, principal.UserID)
		if principal.Role != "" {
			ctx = s.log.WithField(ctx, "actor_role", principal.Role)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			s.respondError(w, r, errUnauthorized)
			return
		}
		if !principal.IsAdmin() {
			s.respondError(w, r, errForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principalFrom(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}
