package campaign

import (
	"errors"
	"html"
	"net/url"
	"strings"
)

// MaxContentLength bounds the size of campaign HTML.
const MaxContentLength = 100000

// ErrInvalidTemplate is wrapped by TemplateError.
var ErrInvalidTemplate = errors.New("campaign: invalid template")

// TemplateError lists every problem found in campaign content.
type TemplateError struct {
	Problems []string
}

func (e *TemplateError) Error() string {
	return "invalid template: " + strings.Join(e.Problems, "; ")
}

func (e *TemplateError) Unwrap() error { return ErrInvalidTemplate }

// ValidateContent checks campaign HTML before it is sent.
func ValidateContent(content string) error {
	var problems []string
	if strings.TrimSpace(content) == "" {
		problems = append(problems, "content is empty")
	}
	if len(content) > MaxContentLength {
		problems = append(problems, "content is too long")
	}
	if strings.Contains(content, "<script") {
		problems = append(problems, "scripts are not allowed")
	}
	if len(problems) > 0 {
		return &TemplateError{Problems: problems}
	}
	return nil
}

// UnsubscribeLink builds the public unsubscribe URL for one recipient.
func UnsubscribeLink(baseURL, contactID, campaignID string) string {
	q := url.Values{}
	q.Set("contact", contactID)
	q.Set("campaign", campaignID)
	return strings.TrimRight(baseURL, "/") + "/unsubscribe?" + q.Encode()
}

const footerTmpl = `
<div style="margin-top: 40px; padding-top: 20px; border-top: 1px solid #e5e5e5; font-size: 12px; color: #666; text-align: center; font-family: Arial, sans-serif;">
  <p style="margin: 0 0 10px 0;">Si no deseas recibir más emails como este, puedes <a href="{{link}}" style="color: #0f766e; text-decoration: underline;" target="_blank">darte de baja aquí</a>.</p>
  <p style="margin: 10px 0 0 0; font-size: 11px; color: #999;">Este email fue enviado por {{sender}}</p>
</div>
`

const documentTmpl = `<!DOCTYPE html>
<html lang="es">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>Email</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; background-color: #ffffff; }
    img { max-width: 100%; height: auto; }
    a { color: #0f766e; }
  </style>
</head>
<body>
{{body}}
</body>
</html>
`

// Render produces the HTML sent to one recipient: the campaign content with
// an unsubscribe footer, wrapped in a document when it is a fragment.
func Render(content, link, senderName string) string {
	footer := strings.NewReplacer(
		"{{link}}", html.EscapeString(link),
		"{{sender}}", html.EscapeString(senderName),
	).Replace(footerTmpl)

	var body string
	if i := strings.LastIndex(content, "</body>"); i >= 0 {
		body = content[:i] + footer + content[i:]
	} else {
		body = content + footer
	}
	if strings.Contains(strings.ToLower(body), "<html") {
		return body
	}
	return strings.Replace(documentTmpl, "{{body}}", body, 1)
}
