// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overshare

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer signs and validates device session tokens.
// A token is a base64 claim payload plus an HMAC-SHA256 signature under the server secret.
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

// NewTokenIssuer creates a new token issuer
func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// SessionClaims are the claims embedded in a session token
type SessionClaims struct {
	WorkspaceID string `json:"wid"`
	MemberID    string `json:"mid"`
	SessionID   string `json:"sid"` // Looked up on every request for revocation
	jwt.RegisteredClaims
}

// Issue signs a token for the given session record
func (t *TokenIssuer) Issue(workspaceID, memberID, sessionID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := &SessionClaims{
		WorkspaceID: workspaceID,
		MemberID:    memberID,
		SessionID:   sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			Issuer:    "go-overshare",
			Subject:   memberID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate checks signature and expiry and returns the claims.
// Revocation is not checked here; see Service.Authenticate.
func (t *TokenIssuer) Validate(tokenString string) (*SessionClaims, error) {
	if tokenString == "" {
		return nil, authError(CodeMissingToken, "token required")
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &AuthError{Code: CodeTokenExpired, Err: err}
		}
		return nil, &AuthError{Code: CodeInvalidSignature, Err: err}
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, authError(CodeInvalidSignature, "invalid token")
	}
	if claims.WorkspaceID == "" || claims.MemberID == "" || claims.SessionID == "" {
		return nil, authError(CodeInvalidSignature, "token is missing wid, mid or sid")
	}
	return claims, nil
}

// BearerToken extracts the bearer token from the Authorization header, falling back
// to the token query parameter used by websocket clients that cannot set headers
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
