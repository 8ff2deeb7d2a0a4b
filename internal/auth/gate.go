package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/skillrelay/internal/telemetry"
)

// Whitelist is the set of caller app ids allowed in. An empty whitelist
// allows every verified caller.
type Whitelist struct {
	ids map[string]struct{}
}

// NewWhitelist builds a whitelist from ids. Blank entries are ignored.
func NewWhitelist(ids ...string) *Whitelist {
	w := &Whitelist{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			w.ids[id] = struct{}{}
		}
	}
	return w
}

// Allows reports whether appID may call in. A nil or empty whitelist is
// unrestricted.
func (w *Whitelist) Allows(appID string) bool {
	if w == nil || len(w.ids) == 0 {
		return true
	}
	_, ok := w.ids[appID]
	return ok
}

// Len returns the number of entries.
func (w *Whitelist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.ids)
}

// Gate authenticates inbound calls in two separate stages: the Verifier
// checks the token, then the caller's app id is checked against the
// whitelist.
type Gate struct {
	verifier  Verifier
	whitelist *Whitelist
	logger    *zap.Logger
	metrics   *telemetry.Metrics
}

// NewGate creates a Gate.
func NewGate(v Verifier, wl *Whitelist, logger *zap.Logger, metrics *telemetry.Metrics) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if wl.Len() == 0 {
		logger.Warn("auth whitelist is empty, every verified caller is allowed")
	}
	return &Gate{
		verifier:  v,
		whitelist: wl,
		logger:    logger.With(zap.String("component", "auth")),
		metrics:   metrics,
	}
}

// Check authenticates an Authorization header value.
func (g *Gate) Check(ctx context.Context, header string) (*Identity, error) {
	token, ok := bearer(header)
	if !ok {
		return nil, ErrMissingToken
	}
	id, err := g.verifier.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, fmt.Errorf("%w: verifier returned no identity", ErrInvalidToken)
	}
	id.AppID = AppID(id.Claims)
	if !g.whitelist.Allows(id.AppID) {
		return nil, fmt.Errorf("%w: %q", ErrNotWhitelisted, id.AppID)
	}
	return id, nil
}

// bearer extracts the token of a Bearer Authorization header. The scheme
// is matched case-insensitively.
func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Authenticate checks r. On failure it writes a 401 response and returns
// false.
func (g *Gate) Authenticate(w http.ResponseWriter, r *http.Request) (*Identity, bool) {
	id, err := g.Check(r.Context(), r.Header.Get("Authorization"))
	g.metrics.AuthDecision(err == nil)
	if err == nil {
		return id, true
	}

	g.logger.Debug("rejected inbound call", zap.String("path", r.URL.Path), zap.Error(err))
	msg := "unauthorized"
	if errors.Is(err, ErrNotWhitelisted) {
		msg = "skill is not authorized to be called by this caller"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":%q}`, msg)
	return nil, false
}

// Middleware rejects unauthenticated requests and stores the identity in
// the request context.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := g.Authenticate(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by Middleware.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}
