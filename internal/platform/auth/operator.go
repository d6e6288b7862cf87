package auth

import (
	"errors"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/synclune/api/internal/platform/httpx"
	"github.com/synclune/api/internal/platform/requestctx"
)

// iapAssertionHeader carries the identity-aware proxy token when the proxy terminates auth.
const iapAssertionHeader = "X-Goog-Iap-Jwt-Assertion"

// OperatorVerifier authenticates back-office operators from Google-signed OIDC or IAP tokens.
// The verified email becomes the request actor and replaces any forwarded actor header.
type OperatorVerifier struct {
	keys     *JWKSCache
	audience string
	issuers  map[string]struct{}
	domains  map[string]struct{}
	logger   *zap.Logger
}

// OperatorOption customises the verifier.
type OperatorOption func(*OperatorVerifier)

// WithOperatorIssuers restricts the accepted token issuers. Without it any issuer signing with the
// cached keys is accepted.
func WithOperatorIssuers(issuers ...string) OperatorOption {
	return func(v *OperatorVerifier) {
		for _, issuer := range issuers {
			if issuer = strings.TrimSpace(issuer); issuer != "" {
				v.issuers[issuer] = struct{}{}
			}
		}
	}
}

// WithOperatorDomains restricts operators to emails within the given domains.
func WithOperatorDomains(domains ...string) OperatorOption {
	return func(v *OperatorVerifier) {
		for _, domain := range domains {
			if domain = strings.ToLower(strings.TrimSpace(domain)); domain != "" {
				v.domains[domain] = struct{}{}
			}
		}
	}
}

// WithOperatorLogger sets the rejection logger.
func WithOperatorLogger(logger *zap.Logger) OperatorOption {
	return func(v *OperatorVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewOperatorVerifier constructs a verifier for tokens minted for audience.
func NewOperatorVerifier(keys *JWKSCache, audience string, opts ...OperatorOption) (*OperatorVerifier, error) {
	if keys == nil {
		return nil, errors.New("auth: jwks cache is required")
	}
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return nil, errors.New("auth: audience is required")
	}
	v := &OperatorVerifier{
		keys:     keys,
		audience: audience,
		issuers:  make(map[string]struct{}),
		domains:  make(map[string]struct{}),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Middleware rejects requests without a valid operator token.
func (v *OperatorVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		raw := operatorToken(r)
		if raw == "" {
			httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "operator token missing", http.StatusUnauthorized))
			return
		}

		claims := jwt.MapClaims{}
		parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
		if _, err := parser.ParseWithClaims(raw, claims, v.keys.Keyfunc(ctx)); err != nil {
			if errors.Is(err, ErrJWKSFetchFailed) {
				v.logger.Error("operator token keys unavailable", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("verification_unavailable", "operator verification unavailable", http.StatusServiceUnavailable))
				return
			}
			v.reject(w, r, "token_invalid", err)
			return
		}

		if len(v.issuers) > 0 {
			issuer, _ := claims["iss"].(string)
			if _, ok := v.issuers[issuer]; !ok {
				v.reject(w, r, "issuer_mismatch", nil)
				return
			}
		}
		if !claims.VerifyAudience(v.audience, true) {
			v.reject(w, r, "audience_mismatch", nil)
			return
		}

		email, _ := claims["email"].(string)
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" {
			v.reject(w, r, "email_missing", nil)
			return
		}
		if verified, ok := claims["email_verified"].(bool); ok && !verified {
			v.reject(w, r, "email_unverified", nil)
			return
		}
		if !v.domainAllowed(email) {
			v.reject(w, r, "domain_not_allowed", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(requestctx.WithActor(ctx, email)))
	})
}

func (v *OperatorVerifier) domainAllowed(email string) bool {
	if len(v.domains) == 0 {
		return true
	}
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	_, ok := v.domains[email[at+1:]]
	return ok
}

func (v *OperatorVerifier) reject(w http.ResponseWriter, r *http.Request, reason string, err error) {
	fields := []zap.Field{zap.String("reason", reason), zap.String("path", r.URL.Path)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	v.logger.Warn("operator token rejected", fields...)
	httpx.WriteError(r.Context(), w, httpx.NewError("invalid_token", "operator token verification failed", http.StatusUnauthorized))
}

func operatorToken(r *http.Request) string {
	if assertion := strings.TrimSpace(r.Header.Get(iapAssertionHeader)); assertion != "" {
		return assertion
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
