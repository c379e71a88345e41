// Package mailer sends campaign emails through a bulk transport.
package mailer

import (
	"context"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Sender is the From identity of a bulk send.
type Sender struct {
	Email string
	Name  string
}

// Address renders the identity as an RFC 5322 address.
func (s Sender) Address() string {
	return (&mail.Address{Name: s.Name, Address: s.Email}).String()
}

// Email is one message of a bulk send. Ref is an opaque caller reference
// echoed back in BulkResult.
type Email struct {
	Ref     string
	To      string
	Subject string
	HTML    string
	Text    string
}

// Failure describes one email the transport could not send.
type Failure struct {
	Ref string
	To  string
	Err string
}

func (f Failure) String() string { return f.To + ": " + f.Err }

// BulkResult summarises a bulk send. Sent lists the Ref of every delivered
// email in input order.
type BulkResult struct {
	Success int
	Failed  int
	Sent    []string
	Errors  []Failure
}

func (r *BulkResult) ok(e Email) {
	r.Success++
	r.Sent = append(r.Sent, e.Ref)
}

func (r *BulkResult) fail(e Email, err error) {
	r.Failed++
	r.Errors = append(r.Errors, Failure{Ref: e.Ref, To: e.To, Err: err.Error()})
}

// Transport delivers emails one recipient at a time. A cancelled context
// stops the send; emails not attempted are reported as failures.
type Transport interface {
	SendBulk(ctx context.Context, from Sender, emails []Email) BulkResult
}

var (
	tagRe   = regexp.MustCompile(`<[^>]*>`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// PlainText derives a text body from HTML by dropping tags and collapsing
// whitespace.
func PlainText(html string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(tagRe.ReplaceAllString(html, ""), " "))
}

// Log is a Transport that records every email in the log instead of sending
// it. Used when no provider is configured.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a logging transport.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) SendBulk(ctx context.Context, from Sender, emails []Email) BulkResult {
	var res BulkResult
	for _, e := range emails {
		if err := ctx.Err(); err != nil {
			res.fail(e, fmt.Errorf("not sent: %w", err))
			continue
		}
		l.logger.Info("email (dry run)",
			zap.String("from", from.Address()),
			zap.String("to", e.To),
			zap.String("subject", e.Subject),
			zap.Int("html_bytes", len(e.HTML)))
		res.ok(e)
	}
	return res
}
