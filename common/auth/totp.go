package auth

import (
	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
)

const TOTPHeader = "X-TOTP-Code"

// GenerateTOTPKey creates a TOTP secret for an operator account.
func GenerateTOTPKey(issuer, account string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{Issuer: issuer, AccountName: account})
}

// RequireTOTP enforces a second factor on admin routes when secret is set.
func RequireTOTP(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		code := c.Request.Header.Get(TOTPHeader)
		if code == "" {
			problem := apperrors.NewUnauthorizedError("TOTP code required", c.Request.URL.Path)
			c.AbortWithStatusJSON(problem.Status, problem)
			return
		}
		if !totp.Validate(code, secret) {
			problem := apperrors.NewUnauthorizedError("TOTP code is invalid", c.Request.URL.Path)
			c.AbortWithStatusJSON(problem.Status, problem)
			return
		}
		c.Next()
	}
}
