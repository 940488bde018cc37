package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/ignite/email-dispatch/internal/job"
	"github.com/ignite/email-dispatch/internal/pkg/logger"
)

// SESConfig holds AWS connection settings. Empty AccessKey falls back to
// the default credential chain (env, shared config, instance role).
type SESConfig struct {
	Region    string
	AccessKey string
	SecretKey string
}

// SESDriver delivers through the AWS SES v2 API.
type SESDriver struct {
	client *sesv2.Client
}

// NewSESDriver creates an SES driver.
func NewSESDriver(ctx context.Context, cfg SESConfig) (*SESDriver, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &SESDriver{client: sesv2.NewFromConfig(awsCfg)}, nil
}

func (d *SESDriver) Kind() job.ProviderKind { return job.ProviderSES }

func (d *SESDriver) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	from := msg.From
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.From)
	}

	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML)}
	}
	if msg.Text != "" || msg.HTML == "" {
		body.Text = &types.Content{Data: aws.String(msg.Text)}
	}

	out, err := d.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: msg.Recipients},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject)},
				Body:    body,
			},
		},
	})
	if err != nil {
		return nil, classifySESError(err)
	}

	messageID := aws.ToString(out.MessageId)
	if messageID == "" {
		messageID = uuid.New().String()
	}

	logger.Debug("ses accepted message",
		"message_id", messageID,
		"recipients", logger.RedactEmails(msg.Recipients))
	return &SendResult{MessageID: messageID, SentAt: time.Now().UTC()}, nil
}

// classifySESError maps SES API error codes. Rejections and account-level
// verification failures are final; throttling and quota pressure clear on
// their own. Transport errors stay raw.
func classifySESError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "MessageRejected", "MailFromDomainNotVerifiedException", "AccountSuspendedException", "BadRequestException", "NotFoundException":
		return Permanent("ses %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	case "TooManyRequestsException", "LimitExceededException", "SendingPausedException":
		return Transient("ses %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return err
}
