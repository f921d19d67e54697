package api

import (
	"errors"
	"fmt"
	"net/http"
)

func (s *App) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// identityMiddleware attaches the caller's user to the request context when
// it presents a valid credential. Requests without one pass through
// anonymously; procedures decide whether they need a user.
func (s *App) identityMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		user, err := s.authenticate(r)
		if err != nil {
			if !errors.Is(err, errNoCredential) {
				s.log.Printf("failed to authenticate request: %v", err)
			}
			next(w, r)
			return
		}

		next(w, r.WithContext(WithUser(r.Context(), user)))
	}
}
