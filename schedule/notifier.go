package schedule

import (
	"context"

	"go.uber.org/zap"
)

// Email 发给用户的通知
type Email struct {
	UserID  string
	Subject string
	Body    string
}

// Notifier 通知服务
type Notifier interface {
	SendEmail(ctx context.Context, email Email) error
}

// LogNotifier 只把通知写入日志，未接入邮件服务时使用
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志通知器
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.With(zap.String("component", "notifier"))}
}

func (n *LogNotifier) SendEmail(_ context.Context, email Email) error {
	n.logger.Info("email",
		zap.String("user_id", email.UserID),
		zap.String("subject", email.Subject),
		zap.String("body", email.Body))
	return nil
}
