package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// defaultPublicPaths never require a token.
var defaultPublicPaths = []string{"/healthz", "/metrics"}

// Middleware rejects requests without a valid bearer token and stores the claims
// of accepted ones on the request context.
type Middleware struct {
	cfg    Config
	public map[string]struct{}
}

// NewMiddleware constructs Middleware. Health and metrics endpoints stay public,
// as does any path listed in extraPublic.
func NewMiddleware(cfg Config, extraPublic ...string) Middleware {
	public := make(map[string]struct{}, len(defaultPublicPaths)+len(extraPublic))
	for _, path := range append(append([]string(nil), defaultPublicPaths...), extraPublic...) {
		public[path] = struct{}{}
	}
	return Middleware{cfg: cfg, public: public}
}

// Wrap attaches authentication handling to an http.Handler.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := m.public[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		token, err := TokenFromRequest(r)
		var claims *Claims
		if err == nil {
			claims, err = Parse(token, m.cfg)
		}
		if err != nil {
			unauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// TokenFromRequest extracts the bearer token from the Authorization header, falling back
// to the access_token query parameter on WebSocket upgrades, where browsers cannot set headers.
func TokenFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			if token := r.URL.Query().Get("access_token"); token != "" {
				return token, nil
			}
		}
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", ErrInvalidToken
	}
	return strings.TrimSpace(token), nil
}

func unauthorized(w http.ResponseWriter, err error) {
	detail := ErrInvalidToken.Error()
	if errors.Is(err, ErrMissingToken) {
		detail = ErrMissingToken.Error()
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="liveclass"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"type": "unauthorized", "detail": detail})
}
