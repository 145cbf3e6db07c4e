package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	b, _ := GenerateToken()
	if a == b || len(a) < 40 {
		t.Errorf("tokens should be long and unique, got %q and %q", a, b)
	}
}

func TestValidWebhookToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		secret string
		want   bool
	}{
		{"matching", "s3cret", "s3cret", true},
		{"wrong", "guess", "s3cret", false},
		{"missing", "", "s3cret", false},
		{"check disabled", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/webhooks/gitlab", nil)
			if tt.header != "" {
				r.Header.Set(GitLabTokenHeader, tt.header)
			}
			if got := ValidWebhookToken(r, tt.secret); got != tt.want {
				t.Errorf("ValidWebhookToken() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequireBearer(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequireBearer("key")(ok)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer key", http.StatusOK},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Basic key", http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/jobs/1", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, r)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}

	rr := httptest.NewRecorder()
	RequireBearer("")(ok).ServeHTTP(rr, httptest.NewRequest("GET", "/jobs/1", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("disabled check should pass, got %d", rr.Code)
	}
}
