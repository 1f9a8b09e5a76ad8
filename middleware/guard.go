package middleware

import (
	"context"
	"net/http"
	"strings"

	formguard "github.com/formguard/formguard"
)

type tokenInfoContextKey struct{}

// TokenFromContext returns the authenticated token info stored by
// [Guard].
func TokenFromContext(ctx context.Context) (*formguard.TokenInfo, bool) {
	info, ok := ctx.Value(tokenInfoContextKey{}).(*formguard.TokenInfo)
	return info, ok
}

// Guard authenticates the bearer token on every request, revocation
// blocklist included, before the handler runs. All rejections share one
// 401 response shape.
func Guard(engine *formguard.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				writeUnauthorized(w)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeUnauthorized(w)
				return
			}

			info, err := engine.Authenticate(r.Context(), token)
			if err != nil {
				writeUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), tokenInfoContextKey{}, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
