package console

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// BasicAuth guards the console with HTTP basic auth. The password is
// checked against a bcrypt hash. An empty user disables the guard.
func BasicAuth(user, passwordHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if user == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok || !credentialsMatch(u, p, user, passwordHash) {
				w.Header().Set("WWW-Authenticate", `Basic realm="console"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func credentialsMatch(gotUser, gotPass, wantUser, wantHash string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(gotUser), []byte(wantUser)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(wantHash), []byte(gotPass)) == nil
	return userOK && passOK
}
