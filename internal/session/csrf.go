package session

import "net/http"

const (
	// CSRFHeader carries the token on API calls.
	CSRFHeader = "X-CSRF-Token"
	// CSRFField carries the token on form posts.
	CSRFField = "csrf_token"
)

// RequireCSRF rejects state-changing requests whose token does not match the
// session's. Must run after Manager.Middleware.
func RequireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
			next.ServeHTTP(w, r)
			return
		}

		sess := FromContext(r.Context())
		token := r.Header.Get(CSRFHeader)
		if token == "" {
			token = r.FormValue(CSRFField)
		}
		if sess == nil || !sess.ValidCSRF(token) {
			writeError(w, http.StatusForbidden, "رمز الحماية غير صالح، يرجى تحديث الصفحة والمحاولة مرة أخرى")
			return
		}
		next.ServeHTTP(w, r)
	})
}
