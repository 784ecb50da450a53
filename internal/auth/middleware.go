package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/utils"
)

type contextKey string

const operatorKey contextKey = "operator"

// Middleware authenticates the bearer token and stores the operator in the
// request context.
func Middleware(verifier TokenVerifier, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, err := ExtractTokenFromRequest(r)
			if err != nil {
				utils.WriteError(w, "Authentication required", fmt.Errorf("%w: %v", models.ErrUnauthorized, err))
				return
			}

			op, err := verifier.Verify(r.Context(), rawToken)
			if err != nil {
				log.LogSecurity("AUTH_REJECTED", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
				if !errors.Is(err, models.ErrForbidden) {
					err = fmt.Errorf("%w: invalid token", models.ErrUnauthorized)
				}
				utils.WriteError(w, "Authentication failed", err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
		})
	}
}

// RequireRole lets the request through only for the listed roles. It must
// run after Middleware.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op, ok := OperatorFromContext(r.Context())
			if !ok {
				utils.WriteError(w, "Authentication required", models.ErrUnauthorized)
				return
			}
			for _, role := range roles {
				if op.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			utils.WriteError(w, "Insufficient role", models.ErrForbidden)
		})
	}
}

func WithOperator(ctx context.Context, op models.Operator) context.Context {
	return context.WithValue(ctx, operatorKey, op)
}

// Helper to extract the operator in handlers
func OperatorFromContext(ctx context.Context) (models.Operator, bool) {
	op, ok := ctx.Value(operatorKey).(models.Operator)
	return op, ok
}
