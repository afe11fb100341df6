// Package auth authenticates API callers with HS256 bearer tokens and binds
// the token subject to the request context as the acting address.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
)

type CustomClaims struct {
	Role string `json:"role,omitempty"`
}

func (c *CustomClaims) Validate(ctx context.Context) error {
	return nil
}

type AuthorizationConfig struct {
	Secret   string
	Issuer   string
	Audience []string
}

// Middleware validates the bearer token and stores its subject as the
// caller. Requests without a valid token get a 401 problem document.
func Middleware(log *zap.Logger, cfg AuthorizationConfig) gin.HandlerFunc {
	keyFunc := func(context.Context) (interface{}, error) {
		return []byte(cfg.Secret), nil
	}
	customClaims := func() validator.CustomClaims {
		return &CustomClaims{}
	}

	jwtValidator, err := validator.New(
		keyFunc,
		validator.HS256,
		cfg.Issuer,
		cfg.Audience,
		validator.WithAllowedClockSkew(30*time.Second),
		validator.WithCustomClaims(customClaims),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to set up the validator: %v", err))
	}

	return func(c *gin.Context) {
		errorHandler := func(w http.ResponseWriter, r *http.Request, err error) {
			log.Debug("encountered error while validating JWT", zap.Error(err))
		}

		middleware := jwtmiddleware.New(
			jwtValidator.ValidateToken,
			jwtmiddleware.WithErrorHandler(errorHandler),
		)

		encounteredError := true
		var handler http.HandlerFunc = func(w http.ResponseWriter, r *http.Request) {
			claims, _ := r.Context().Value(jwtmiddleware.ContextKey{}).(*validator.ValidatedClaims)
			if claims == nil || claims.RegisteredClaims.Subject == "" {
				return
			}
			encounteredError = false
			if customClaims, ok := claims.CustomClaims.(*CustomClaims); ok {
				c.Set("role", customClaims.Role)
			}
			caller := model.Address(claims.RegisteredClaims.Subject)
			c.Set("caller", caller)
			c.Request = r.WithContext(WithCaller(r.Context(), caller))
			c.Next()
		}

		middleware.CheckJWT(handler).ServeHTTP(c.Writer, c.Request)

		if encounteredError {
			problem := apperrors.NewUnauthorizedError("JWT is invalid.", c.Request.URL.Path)
			c.AbortWithStatusJSON(problem.Status, problem)
		}
	}
}

// IssueToken signs a token whose subject is the caller's address.
func IssueToken(cfg AuthorizationConfig, subject model.Address, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": string(subject),
		"iss": cfg.Issuer,
		"aud": cfg.Audience,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if role != "" {
		claims["role"] = role
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
