package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Context key for the authenticated subject
type contextKey string

const subjectContextKey contextKey = "subject"

// JWTClaims represents the claims in the JWT token
type JWTClaims struct {
	jwt.RegisteredClaims
	Client string `json:"client,omitempty"`
}

// hashToken creates a SHA256 hash of the token for storage
func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// HashToken is hashToken for callers that record issued tokens.
func HashToken(token string) string { return hashToken(token) }

// IssueToken signs a token for subject that expires after expiry.
func IssueToken(secret, subject, client string, expiry time.Duration) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, errors.New("jwt secret is not configured")
	}
	expiresAt := time.Now().Add(expiry)

	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Client: client,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// tokenFromRequest reads "Authorization: Bearer <token>", falling back to
// the access_token query parameter for websocket clients.
func tokenFromRequest(req *http.Request) (string, error) {
	authHeader := req.Header.Get("Authorization")
	if authHeader == "" {
		if t := req.URL.Query().Get("access_token"); t != "" {
			return t, nil
		}
		return "", errors.New("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", errors.New("invalid authorization format")
	}
	return parts[1], nil
}

// withAuth is middleware that requires valid JWT authentication
func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		tokenString, err := tokenFromRequest(req)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}

		token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(r.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid || r.cfg.JWTSecret == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}

		claims, ok := token.Claims.(*JWTClaims)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token claims"})
			return
		}

		// Check if session is valid (not revoked)
		if r.deps.Sessions != nil {
			valid, err := r.deps.Sessions.IsSessionValid(req.Context(), hashToken(tokenString))
			if err != nil || !valid {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "session expired or revoked"})
				return
			}
		}

		ctx := context.WithValue(req.Context(), subjectContextKey, claims.Subject)
		next.ServeHTTP(w, req.WithContext(ctx))
	}
}

// subjectFrom extracts the authenticated subject from context
func subjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(subjectContextKey).(string)
	return s
}

// handleRevokeToken revokes the token used for this request.
func (r *Router) handleRevokeToken(w http.ResponseWriter, req *http.Request) {
	if r.deps.Sessions == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sessions not configured"})
		return
	}
	tokenString, _ := tokenFromRequest(req)
	if err := r.deps.Sessions.RevokeSession(req.Context(), hashToken(tokenString)); err != nil {
		r.logger.WithError(err).Error("failed to revoke session")
		captureError(req, err, "failed to revoke session")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to revoke session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}
