package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"budget-service/internal/observability"
)

type principalContextKey struct{}

// WithPrincipal attaches an authenticated principal to ctx for downstream
// handlers.
func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// PrincipalFromContext returns the principal RequestGate attached, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(Principal)
	return principal, ok
}

// RequestGate filters every inbound request. Public prefixes bypass it
// entirely; a request without a bearer token passes through unauthenticated
// for downstream authorization to judge; a request with a token either gets
// a principal attached to its context or is halted with a 401.
type RequestGate struct {
	store          CredentialStore
	codec          *TokenCodec
	logger         *observability.Logger
	publicPrefixes []string
}

func NewRequestGate(store CredentialStore, codec *TokenCodec, logger *observability.Logger, publicPrefixes []string) *RequestGate {
	return &RequestGate{
		store:          store,
		codec:          codec,
		logger:         logger,
		publicPrefixes: publicPrefixes,
	}
}

func (g *RequestGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx, rejection := g.authenticate(r, token)
		if rejection != "" {
			writeError(w, http.StatusUnauthorized, rejection)
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate resolves and validates the presented token. It returns either
// a context carrying the principal or the client-facing rejection message.
// No failure, panics included, escapes past this boundary.
func (g *RequestGate) authenticate(r *http.Request, token string) (ctx context.Context, rejection string) {
	defer func() {
		if rec := recover(); rec != nil {
			sentry.CurrentHub().Recover(rec)
			g.logger.Error("request_gate_panic", map[string]any{
				"path":  r.URL.Path,
				"panic": rec,
			})
			ctx = nil
			rejection = "Authentication error"
		}
	}()

	identity, err := g.codec.ExtractIdentity(token)
	if err != nil {
		g.logger.Warn("request_token_malformed", map[string]any{"path": r.URL.Path})
		return nil, "Invalid JWT token"
	}

	// Idempotent re-entry: an already established principal is not
	// re-validated.
	if _, ok := PrincipalFromContext(r.Context()); ok {
		return r.Context(), ""
	}

	// Refresh tokens are exchangeable for access tokens only, never accepted
	// on ordinary routes.
	if g.codec.IsRefreshKind(token) {
		g.logger.Warn("request_refresh_token_rejected", map[string]any{
			"identity": identity,
			"path":     r.URL.Path,
		})
		return nil, "Invalid or expired JWT token"
	}

	principal, err := g.store.Lookup(r.Context(), identity)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			g.logger.Warn("request_user_not_found", map[string]any{
				"identity": identity,
				"path":     r.URL.Path,
			})
			return nil, "User not found"
		}

		sentry.CaptureException(err)
		g.logger.Error("request_gate_store_error", map[string]any{
			"identity": identity,
			"path":     r.URL.Path,
			"error":    err.Error(),
		})
		return nil, "Authentication error"
	}

	if !g.codec.Validate(token, principal) {
		g.logger.Warn("request_token_invalid", map[string]any{
			"identity": identity,
			"path":     r.URL.Path,
		})
		return nil, "Invalid or expired JWT token"
	}

	g.logger.Info("request_authenticated", map[string]any{
		"identity": identity,
		"path":     r.URL.Path,
	})

	return WithPrincipal(r.Context(), principal), ""
}

func (g *RequestGate) isPublic(path string) bool {
	for _, prefix := range g.publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
