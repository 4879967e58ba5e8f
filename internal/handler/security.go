package handler

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/patitas/storefront/internal/domain/auth"
)

// HeaderAPIKey carries the admin key.
const HeaderAPIKey = "api_key"

type apiKeyCtxKey struct{}

// APIKeyFromContext returns the key that authenticated the request.
func APIKeyFromContext(ctx context.Context) (*auth.APIKeyInfo, bool) {
	info, ok := ctx.Value(apiKeyCtxKey{}).(*auth.APIKeyInfo)
	return info, ok
}

// authenticate hashes the presented key with the pepper, looks it up and
// compares the stored hash in constant time.
func (h *Handler) authenticate(ctx context.Context, key string) (*auth.APIKeyInfo, error) {
	if key == "" {
		return nil, errUnauthorized
	}
	hash := auth.HashKey(key, h.pepper)

	info, err := h.apikeys.FindByHash(ctx, hash)
	if errors.Is(err, auth.ErrKeyNotFound) {
		return nil, errUnauthorized
	}
	if err != nil {
		return nil, errors.Wrap(err, "find api key")
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(info.KeyHash)) != 1 {
		return nil, errUnauthorized
	}
	return info, nil
}

// requireScope admits requests whose api_key carries scope.
func (h *Handler) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			info, err := h.authenticate(ctx, r.Header.Get(HeaderAPIKey))
			if err != nil {
				writeError(ctx, w, err)
				return
			}
			if !info.HasScope(scope) {
				zctx.From(ctx).Warn("API key lacks scope",
					zap.String("api_key_id", info.ID),
					zap.String("scope", scope),
				)
				writeError(ctx, w, errForbidden)
				return
			}

			ctx = context.WithValue(ctx, apiKeyCtxKey{}, info)
			ctx = zctx.With(ctx, zap.String("api_key_id", info.ID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
