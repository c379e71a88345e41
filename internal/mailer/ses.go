package mailer

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"
)

// DefaultPace is the pause between two SES calls.
const DefaultPace = 100 * time.Millisecond

const charset = "UTF-8"

// SESOptions configures the SES transport. Empty credentials fall back to
// the default AWS credential chain.
type SESOptions struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Pace            time.Duration
}

type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES sends email through Amazon SES v2.
type SES struct {
	api    sesAPI
	pace   time.Duration
	logger *zap.Logger
}

// NewSES loads AWS configuration and builds an SES transport.
func NewSES(ctx context.Context, opts SESOptions, logger *zap.Logger) (*SES, error) {
	var loaders []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loaders = append(loaders, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sesv2.NewFromConfig(cfg, func(o *sesv2.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	pace := opts.Pace
	if pace == 0 {
		pace = DefaultPace
	}
	return newSES(client, pace, logger), nil
}

func newSES(api sesAPI, pace time.Duration, logger *zap.Logger) *SES {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SES{api: api, pace: pace, logger: logger}
}

// SendBulk sends each email individually, pausing between calls.
func (s *SES) SendBulk(ctx context.Context, from Sender, emails []Email) BulkResult {
	var res BulkResult
	source := from.Address()
	for i, e := range emails {
		if err := ctx.Err(); err != nil {
			res.fail(e, fmt.Errorf("not sent: %w", err))
			continue
		}
		if i > 0 && s.pace > 0 {
			t := time.NewTimer(s.pace)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				res.fail(e, fmt.Errorf("not sent: %w", ctx.Err()))
				continue
			}
		}

		id, err := s.send(ctx, source, e)
		if err != nil {
			s.logger.Warn("ses send failed", zap.String("to", e.To), zap.Error(err))
			res.fail(e, err)
			continue
		}
		s.logger.Debug("ses send", zap.String("to", e.To), zap.String("message_id", id))
		res.ok(e)
	}
	return res
}

func (s *SES) send(ctx context.Context, source string, e Email) (string, error) {
	text := e.Text
	if text == "" {
		text = PlainText(e.HTML)
	}
	out, err := s.api.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(source),
		Destination:      &types.Destination{ToAddresses: []string{e.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(e.Subject), Charset: aws.String(charset)},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(e.HTML), Charset: aws.String(charset)},
					Text: &types.Content{Data: aws.String(text), Charset: aws.String(charset)},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}
