package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEscapeHTML(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"<script>", "&lt;script&gt;"},
		{"hello & goodbye", "hello &amp; goodbye"},
		{`"quotes"`, "&quot;quotes&quot;"},
		{"it's", "it&#39;s"},
		{"<b>test</b>", "&lt;b&gt;test&lt;/b&gt;"},
	}

	for _, tt := range tests {
		result := escapeHTML(tt.input)
		if result != tt.expected {
			t.Errorf("escapeHTML(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestIsSafeURL(t *testing.T) {
	tests := []struct {
		url  string
		safe bool
	}{
		{"https://reminders.example.com/", true},
		{"http://localhost:8080", true},
		{"/relative/path", true},
		{"javascript:alert('xss')", false},
		{"data:text/html,<script>alert('xss')</script>", false},
		{"file:///etc/passwd", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := isSafeURL(tt.url); got != tt.safe {
			t.Errorf("isSafeURL(%q) = %v, want %v", tt.url, got, tt.safe)
		}
	}
}

func TestSanitizeEmailHeader(t *testing.T) {
	got := sanitizeEmailHeader("Alert\r\nBcc: victim@example.com")
	if strings.ContainsAny(got, "\r\n") {
		t.Errorf("sanitizeEmailHeader() kept line breaks: %q", got)
	}
	if got != "AlertBcc: victim@example.com" {
		t.Errorf("sanitizeEmailHeader() = %q", got)
	}
}

func decodeRaw(t *testing.T, raw string) *mail.Message {
	t.Helper()
	b, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m, err := mail.ReadMessage(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return m
}

func TestGmailRawMessage(t *testing.T) {
	g := NewGmailProvider(nil, "ops@example.com", "Reminder Ops", quietLogger())
	raw, err := g.rawMessage(&Message{
		To:      "a@example.com",
		Subject: "Sub\nject für heute",
		HTML:    "<p>hi</p>",
		Text:    "hi",
		AlertID: "alert-1",
	})
	if err != nil {
		t.Fatalf("rawMessage() error = %v", err)
	}
	m := decodeRaw(t, raw)

	if got := m.Header.Get("From"); got != `"Reminder Ops" <ops@example.com>` {
		t.Errorf("From = %q", got)
	}
	if got := m.Header.Get("To"); got != "<a@example.com>" {
		t.Errorf("To = %q", got)
	}
	subject, err := new(mime.WordDecoder).DecodeHeader(m.Header.Get("Subject"))
	if err != nil || subject != "Subject für heute" {
		t.Errorf("Subject = %q, %v", subject, err)
	}
	if m.Header.Get("X-Alert-Id") != "alert-1" {
		t.Errorf("X-Alert-Id = %q", m.Header.Get("X-Alert-Id"))
	}

	mediaType, params, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/alternative" {
		t.Fatalf("Content-Type = %q, %v", mediaType, err)
	}
	mr := multipart.NewReader(m.Body, params["boundary"])
	want := []struct{ ctype, body string }{
		{"text/plain; charset=utf-8", "hi"},
		{"text/html; charset=utf-8", "<p>hi</p>"},
	}
	for _, w := range want {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("NextPart() error = %v", err)
		}
		body, _ := io.ReadAll(part)
		if part.Header.Get("Content-Type") != w.ctype || string(body) != w.body {
			t.Errorf("part %q = %q", part.Header.Get("Content-Type"), body)
		}
	}
	if _, err := mr.NextPart(); err != io.EOF {
		t.Errorf("extra part, err = %v", err)
	}
}

func TestGmailRawMessageHTMLOnly(t *testing.T) {
	g := NewGmailProvider(nil, "", "", quietLogger())
	raw, err := g.rawMessage(&Message{To: "Ops <a@example.com>", Subject: "s", HTML: "<p>only</p>"})
	if err != nil {
		t.Fatalf("rawMessage() error = %v", err)
	}
	m := decodeRaw(t, raw)
	if m.Header.Get("From") != "" {
		t.Errorf("From set without a sender: %q", m.Header.Get("From"))
	}
	if ct := m.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(quotedprintable.NewReader(m.Body))
	if string(body) != "<p>only</p>" {
		t.Errorf("body = %q", body)
	}

	if _, err := g.rawMessage(&Message{To: "not an address", HTML: "x"}); err == nil {
		t.Error("rawMessage() accepted an invalid recipient")
	}
}

func TestGmailError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{name: "nil", err: nil},
		{name: "bad request", err: &googleapi.Error{Code: http.StatusBadRequest}, permanent: true},
		{name: "forbidden", err: &googleapi.Error{Code: http.StatusForbidden}, permanent: true},
		{name: "rate limited", err: &googleapi.Error{Code: http.StatusTooManyRequests}},
		{name: "server error", err: &googleapi.Error{Code: http.StatusServiceUnavailable}},
		{name: "network", err: errors.New("connection reset")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := gmailError(tt.err)
			if (got == nil) != (tt.err == nil) {
				t.Fatalf("gmailError(%v) = %v", tt.err, got)
			}
			if got != nil && retry.IsRecoverable(got) == tt.permanent {
				t.Errorf("gmailError(%v) recoverable = %v, want %v", tt.err, retry.IsRecoverable(got), !tt.permanent)
			}
		})
	}
}

func TestAlertBody(t *testing.T) {
	a := New(NewMockProvider(quietLogger()), quietLogger(), "reminders", "https://reminders.example.com", []string{"ops@example.com"})
	a.now = func() time.Time { return time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC) }

	body := a.formatAlertBody("No events <today>", "Source returned nothing", []Detail{
		{Label: "Date", Value: "Fri Mar 14 2025"},
		{Label: "Subscribers", Value: "12"},
	})

	for _, want := range []string{
		"<h2>No events &lt;today&gt;</h2>",
		"Source returned nothing",
		"<dt>Date</dt><dd>Fri Mar 14 2025</dd>",
		"<dt>Subscribers</dt><dd>12</dd>",
		"Mar 14, 2025 at 9:00 AM UTC",
		`<a href="https://reminders.example.com">`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("alert body missing %q", want)
		}
	}

	a.baseURL = "javascript:alert(1)"
	if strings.Contains(a.formatAlertBody("s", "m", nil), "javascript:") {
		t.Error("unsafe base URL rendered as link")
	}
}

func TestSendAlert(t *testing.T) {
	ctx := context.Background()

	t.Run("every recipient", func(t *testing.T) {
		mock := NewMockProvider(quietLogger())
		a := New(mock, quietLogger(), "", "", []string{"a@example.com", " ", "b@example.com"})
		if err := a.SendAlert(ctx, "Scheduling failed", "boom"); err != nil {
			t.Fatalf("SendAlert() error = %v", err)
		}
		sent := mock.Sent()
		if len(sent) != 2 {
			t.Fatalf("sent %d emails, want 2", len(sent))
		}
		if sent[0].Subject != "[reminder-notifier] Scheduling failed" {
			t.Errorf("subject = %q", sent[0].Subject)
		}
		if sent[0].To != "a@example.com" || sent[1].To != "b@example.com" {
			t.Errorf("recipients = %q, %q", sent[0].To, sent[1].To)
		}
		if sent[0].AlertID == "" || sent[0].AlertID != sent[1].AlertID {
			t.Errorf("alert IDs = %q, %q, want one shared ID", sent[0].AlertID, sent[1].AlertID)
		}
		if !strings.Contains(sent[0].Text, "boom") || !strings.Contains(sent[0].HTML, "boom") {
			t.Errorf("bodies missing message: %+v", sent[0])
		}
	})

	t.Run("no recipients", func(t *testing.T) {
		mock := NewMockProvider(quietLogger())
		if err := New(mock, quietLogger(), "", "", nil).SendAlert(ctx, "s", "m"); err != nil {
			t.Errorf("SendAlert() error = %v", err)
		}
		if len(mock.Sent()) != 0 {
			t.Error("email sent without recipients")
		}
	})

	t.Run("provider error", func(t *testing.T) {
		mock := NewMockProvider(quietLogger())
		mock.Err = errors.New("smtp down")
		err := New(mock, quietLogger(), "", "", []string{"a@example.com"}).SendTest(ctx)
		if err == nil || !strings.Contains(err.Error(), "smtp down") {
			t.Errorf("SendTest() error = %v, want provider error", err)
		}
	})
}

func TestBrevoProvider(t *testing.T) {
	var calls atomic.Int32
	var got brevoSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("api-key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"unauthorized","message":"Key not found"}`))
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"messageId":"<202503140900.1@smtp-relay.mailin.fr>"}`))
	}))
	defer srv.Close()

	msg := &Message{To: "a@example.com", Subject: "Hello\r\n", HTML: "<p>x</p>", Text: "x", AlertID: "alert-1"}
	p := NewBrevoProvider("key", srv.URL, "ops@example.com", "Reminders", quietLogger())
	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.Sender.Email != "ops@example.com" || got.Sender.Name != "Reminders" || len(got.To) != 1 || got.To[0].Email != "a@example.com" {
		t.Errorf("addressing = %+v", got)
	}
	if got.Subject != "Hello" || got.HTML != "<p>x</p>" || got.Text != "x" {
		t.Errorf("content = %+v", got)
	}
	if got.Headers["X-Alert-Id"] != "alert-1" || len(got.Tags) != 1 || got.Tags[0] != brevoTag {
		t.Errorf("headers = %v, tags = %v", got.Headers, got.Tags)
	}

	calls.Store(0)
	bad := NewBrevoProvider("wrong", srv.URL, "ops@example.com", "", quietLogger())
	err := bad.Send(context.Background(), msg)
	if err == nil || !strings.Contains(err.Error(), "Key not found") {
		t.Fatalf("Send() with bad key = %v, want Brevo's message", err)
	}
	if calls.Load() != 1 {
		t.Errorf("unauthorized request sent %d times, want 1", calls.Load())
	}
}

func TestBrevoError(t *testing.T) {
	if err := brevoError(http.StatusBadRequest, []byte(`{"code":"invalid_parameter","message":"email is not valid"}`)); err.Error() != "HTTP 400 invalid_parameter: email is not valid" {
		t.Errorf("brevoError() = %v", err)
	}
	if err := brevoError(http.StatusBadGateway, []byte(" upstream down \n")); err.Error() != "HTTP 502: upstream down" {
		t.Errorf("brevoError() = %v", err)
	}
}
