package auth

import "github.com/golang-jwt/jwt/v5"

// Claims is the JWT claims structure issued at login. It embeds
// jwt.RegisteredClaims for the standard fields (exp, iat) and adds the
// owner identity used to scope jobs and documents.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}
