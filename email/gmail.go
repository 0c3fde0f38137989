package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/http"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider sends alerts through the Gmail API from the service account's mailbox.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
	from    *mail.Address // nil leaves From to Gmail
}

// NewGmailProvider creates a Gmail provider. fromAddr may be empty.
func NewGmailProvider(service *gmail.Service, fromAddr, fromName string, logger *slog.Logger) *GmailProvider {
	g := &GmailProvider{service: service, logger: logger}
	if fromAddr = sanitizeEmailHeader(fromAddr); fromAddr != "" {
		g.from = &mail.Address{Name: sanitizeEmailHeader(fromName), Address: fromAddr}
	}
	return g
}

// Send implements Provider. Rejections other than 429 are not retried.
func (g *GmailProvider) Send(ctx context.Context, msg *Message) error {
	raw, err := g.rawMessage(msg)
	if err != nil {
		return fmt.Errorf("gmail: %w", err)
	}
	return sendWithRetry(ctx, g.logger, "gmail", msg, func() error {
		_, err := g.service.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
		return gmailError(err)
	})
}

// gmailError marks client errors permanent.
func gmailError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
		return retry.Unrecoverable(err)
	}
	return err
}

// sanitizeEmailHeader drops control characters so a value cannot start a new header line.
func sanitizeEmailHeader(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// rawMessage renders msg as base64url MIME. With a Text part the body is
// multipart/alternative, otherwise a single HTML part.
func (g *GmailProvider) rawMessage(msg *Message) (string, error) {
	to, err := mail.ParseAddress(sanitizeEmailHeader(msg.To))
	if err != nil {
		return "", fmt.Errorf("recipient %q: %w", msg.To, err)
	}

	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	header("MIME-Version", "1.0")
	if g.from != nil {
		header("From", g.from.String())
	}
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(msg.Subject)))
	if msg.AlertID != "" {
		header("X-Alert-Id", sanitizeEmailHeader(msg.AlertID))
	}

	if msg.Text == "" {
		header("Content-Type", "text/html; charset=utf-8")
		header("Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		if err := writeQuotedPrintable(&buf, msg.HTML); err != nil {
			return "", err
		}
		return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header("Content-Type", mime.FormatMediaType("multipart/alternative", map[string]string{"boundary": mw.Boundary()}))
	buf.WriteString("\r\n")

	for _, part := range []struct{ ctype, content string }{
		{"text/plain; charset=utf-8", msg.Text},
		{"text/html; charset=utf-8", msg.HTML},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.ctype},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return "", fmt.Errorf("create part: %w", err)
		}
		if err := writeQuotedPrintable(w, part.content); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}
	buf.Write(body.Bytes())
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

func writeQuotedPrintable(w io.Writer, s string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(s)); err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	return nil
}
