package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/edgemesh/coordinator/internal/apierr"
)

const secretHeader = "X-EdgeMesh-Secret"

// secretGate enforces spec §6's auth rule: when a shared secret is
// configured, every /v1/agent/* and /v1/tasks/* request must present it.
// Other endpoints are open. A mismatch or missing header is Unauthorized.
type secretGate struct {
	secret string
}

func newSecretGate(secret string) *secretGate {
	return &secretGate{secret: strings.TrimSpace(secret)}
}

func (g *secretGate) guarded(path string) bool {
	return strings.HasPrefix(path, "/v1/agent/") || strings.HasPrefix(path, "/v1/tasks/")
}

func (g *secretGate) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.secret == "" || !g.guarded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		provided := strings.TrimSpace(r.Header.Get(secretHeader))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(g.secret)) != 1 {
			writeAPIError(w, apiErrorStatus(apierr.Unauthorized), "missing or invalid "+secretHeader)
			return
		}
		next.ServeHTTP(w, r)
	})
}
