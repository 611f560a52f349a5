package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const accountContextKey = "auth_account"

var errInvalidToken = errors.New("invalid token")

type accountClaims struct {
	AccountID string `json:"account_id"`
	jwt.RegisteredClaims
}

// bearerAuth validates the Authorization header and stores the resolved
// account id on the request context. The ledger core never sees tokens.
func bearerAuth(signingKey []byte, issuer string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		accountID, err := resolveAccountID(token, signingKey, issuer)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}
		ctx.Set(accountContextKey, accountID)
		ctx.Next()
	}
}

func resolveAccountID(tokenString string, signingKey []byte, issuer string) (string, error) {
	claims := &accountClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidToken
		}
		return signingKey, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errInvalidToken
	}
	accountID := claims.AccountID
	if accountID == "" {
		accountID = claims.Subject
	}
	if strings.TrimSpace(accountID) == "" {
		return "", errInvalidToken
	}
	return accountID, nil
}

func getAccountID(ctx *gin.Context) string {
	value, ok := ctx.Get(accountContextKey)
	if !ok {
		return ""
	}
	accountID, _ := value.(string)
	return accountID
}
