package mailer

import (
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/gridstone/docnotify/internal/config"
	"github.com/gridstone/docnotify/internal/pkg/logger"
)

// SESTransport sends via AWS SES using the SDK v2.
type SESTransport struct {
	client *sesv2.Client
}

// NewSESTransport builds the SES client. With empty static credentials the
// SDK's default provider chain applies (instance role, env, shared config).
func NewSESTransport(cfg config.SESConfig) (*SESTransport, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &SESTransport{client: sesv2.NewFromConfig(awsCfg)}, nil
}

// Send delivers one envelope through SES.
func (t *SESTransport) Send(ctx context.Context, env *Envelope) error {
	msg := &types.Message{
		Subject: &types.Content{Data: aws.String(env.Subject), Charset: aws.String("UTF-8")},
		Body: &types.Body{
			Html: &types.Content{Data: aws.String(env.HTML), Charset: aws.String("UTF-8")},
		},
	}
	if env.Text != "" {
		msg.Body.Text = &types.Content{Data: aws.String(env.Text), Charset: aws.String("UTF-8")}
	}
	for k, v := range env.Headers {
		msg.Headers = append(msg.Headers, types.MessageHeader{
			Name:  aws.String(k),
			Value: aws.String(v),
		})
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", env.FromName, env.From)),
		Destination:      &types.Destination{ToAddresses: env.To},
		Content:          &types.EmailContent{Simple: msg},
	}
	if env.ReplyTo != "" {
		input.ReplyToAddresses = []string{env.ReplyTo}
	}

	result, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("SES send: %w", err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	log.Printf("[SES] Sent to %s (id: %s)", redactAll(env.To), messageID)
	return nil
}

func redactAll(addrs []string) string {
	out := ""
	for i, a := range addrs {
		if i > 0 {
			out += ", "
		}
		out += logger.RedactEmail(a)
	}
	return out
}
