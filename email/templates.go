package email

import (
	"fmt"
	"strings"
)

func (a *Alerter) formatAlertBody(subject, message string, details []Detail) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".header { border-bottom: 2px solid #c0392b; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".message { background: #f8f9fa; padding: 20px; border-radius: 8px; margin: 15px 0; white-space: pre-wrap; }\n")
	b.WriteString(".details { color: #555; font-size: 0.95em; }\n")
	b.WriteString(".details dt { font-weight: 600; }\n")
	b.WriteString(".details dd { margin: 0 0 8px 0; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("a { color: #c0392b; text-decoration: none; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".message { background: #262626; }\n")
	b.WriteString(".details { color: #b0b0b0; }\n")
	b.WriteString(".footer { color: #a0a0a0; border-top-color: #444; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", escapeHTML(subject)))
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"message\">")
	b.WriteString(escapeHTML(message))
	b.WriteString("</div>\n")

	if len(details) > 0 {
		b.WriteString("<dl class=\"details\">\n")
		for _, d := range details {
			b.WriteString(fmt.Sprintf("<dt>%s</dt><dd>%s</dd>\n", escapeHTML(d.Label), escapeHTML(d.Value)))
		}
		b.WriteString("</dl>\n")
	}

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("Sent by %s at %s", escapeHTML(a.appName), a.now().UTC().Format("Jan 2, 2006 at 3:04 PM UTC")))
	if a.baseURL != "" && isSafeURL(a.baseURL) {
		b.WriteString(fmt.Sprintf(" &bull; <a href=\"%s\">Open service</a>", escapeHTML(a.baseURL)))
	}
	b.WriteString("\n</div>\n")

	b.WriteString("</body>\n</html>")
	return b.String()
}

// formatAlertText renders the plain-text alternative of formatAlertBody.
func (a *Alerter) formatAlertText(subject, message string, details []Detail) string {
	var b strings.Builder
	b.WriteString(subject)
	b.WriteString("\n\n")
	b.WriteString(message)
	b.WriteString("\n")
	if len(details) > 0 {
		b.WriteString("\n")
		for _, d := range details {
			fmt.Fprintf(&b, "%s: %s\n", d.Label, d.Value)
		}
	}
	fmt.Fprintf(&b, "\n-- \nSent by %s at %s\n", a.appName, a.now().UTC().Format("Jan 2, 2006 at 3:04 PM UTC"))
	if a.baseURL != "" && isSafeURL(a.baseURL) {
		b.WriteString(a.baseURL)
		b.WriteString("\n")
	}
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL reports whether urlStr is an http(s) or relative link.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))

	for _, protocol := range []string{"javascript:", "data:", "vbscript:", "file:", "about:"} {
		if strings.HasPrefix(urlStr, protocol) {
			return false
		}
	}

	return strings.HasPrefix(urlStr, "http://") ||
		strings.HasPrefix(urlStr, "https://") ||
		strings.HasPrefix(urlStr, "/") ||
		(!strings.Contains(urlStr, ":") && len(urlStr) > 0)
}
