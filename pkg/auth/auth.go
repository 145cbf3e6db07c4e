package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// GitLabTokenHeader carries the secret configured on the GitLab webhook
const GitLabTokenHeader = "X-Gitlab-Token"

// GenerateToken returns a random URL-safe secret for webhook or API use
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ValidWebhookToken reports whether r carries the webhook secret. An empty
// secret disables the check.
func ValidWebhookToken(r *http.Request, secret string) bool {
	if secret == "" {
		return true
	}
	return SecureCompare(r.Header.Get(GitLabTokenHeader), secret)
}

// RequireBearer rejects requests without "Authorization: Bearer <apiKey>".
// An empty apiKey disables the check.
func RequireBearer(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || !SecureCompare(token, apiKey) {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
