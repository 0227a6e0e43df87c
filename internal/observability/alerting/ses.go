package alerting

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	xerrors "TaskFlow-Engine/internal/errors"
)

// SESSender 通过 Amazon SES 发送告警邮件。
type SESSender struct {
	client *sesv2.Client
	from   string
}

// NewSESSender 使用默认的 AWS 凭证链创建 SESSender。
func NewSESSender(ctx context.Context, region, from string) (*SESSender, error) {
	if from == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "告警邮件发件人不能为空")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "加载 AWS 配置失败")
	}
	return &SESSender{client: sesv2.NewFromConfig(cfg), from: from}, nil
}

// Send 实现 EmailSender 接口。
func (s *SESSender) Send(ctx context.Context, subject, content string, to []string) error {
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: to},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(content)},
				},
			},
		},
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "发送告警邮件失败")
	}
	return nil
}

var _ EmailSender = (*SESSender)(nil)
