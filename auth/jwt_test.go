package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123"

func TestJWTRoundTrip(t *testing.T) {
	j, err := NewJWT(testSecret, "send", time.Minute)
	if err != nil {
		t.Fatalf("NewJWT() error = %v", err)
	}

	tok, err := j.Sign("task:42")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	sub, err := j.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if sub != "task:42" {
		t.Errorf("Verify() subject = %q, want task:42", sub)
	}
}

func TestJWTRejects(t *testing.T) {
	j, _ := NewJWT(testSecret, "send", time.Minute)
	other, _ := NewJWT("another-secret-value-xx", "send", time.Minute)
	wrongAud, _ := NewJWT(testSecret, "admin", time.Minute)

	expired, _ := NewJWT(testSecret, "send", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }

	tokens := map[string]func() string{
		"garbage":        func() string { return "not-a-token" },
		"other secret":   func() string { s, _ := other.Sign("x"); return s },
		"wrong audience": func() string { s, _ := wrongAud.Sign("x"); return s },
		"expired":        func() string { s, _ := expired.Sign("x"); return s },
		"empty subject":  func() string { s, _ := j.Sign(""); return s },
	}

	for name, mk := range tokens {
		t.Run(name, func(t *testing.T) {
			if _, err := j.Verify(mk()); err == nil {
				t.Error("Verify() succeeded, want error")
			}
		})
	}
}

func TestNewJWTShortSecret(t *testing.T) {
	if _, err := NewJWT("short", "send", time.Minute); err == nil {
		t.Error("NewJWT() with short secret succeeded")
	}
}

func TestRequireBearer(t *testing.T) {
	j, _ := NewJWT(testSecret, "send", time.Minute)
	tok, _ := j.Sign("task:1")

	var gotSub string
	h := RequireBearer(j)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSub, _ = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + tok, want: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/send", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
	if gotSub != "task:1" {
		t.Errorf("subject in context = %q, want task:1", gotSub)
	}
}

func TestRequireToken(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{name: "missing", token: "sched-secret", want: http.StatusUnauthorized},
		{name: "wrong", token: "sched-secret", header: "Bearer sched-secreT", want: http.StatusUnauthorized},
		{name: "no scheme", token: "sched-secret", header: "sched-secret", want: http.StatusUnauthorized},
		{name: "unconfigured", token: "", header: "Bearer ", want: http.StatusUnauthorized},
		{name: "valid", token: "sched-secret", header: "Bearer sched-secret", want: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/schedulez", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			RequireToken(tt.token)(ok).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
