package notifier

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Log writes messages to the logger instead of delivering them. Codes are
// printed only when revealCodes is set, which the factory does outside production.
type Log struct {
	logger      *zap.Logger
	revealCodes bool
	now         func() time.Time
}

func NewLog(logger *zap.Logger, revealCodes bool) *Log {
	return &Log{logger: logger, revealCodes: revealCodes, now: time.Now}
}

func (l *Log) SendCode(ctx context.Context, email, code string, cc CodeContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := codeMessage(email, code, cc, l.now())

	fields := []zap.Field{
		zap.String("to", msg.To),
		zap.String("template", msg.Template),
	}
	if l.revealCodes {
		fields = append(fields, zap.String("code", msg.Data["code"]))
	}
	l.logger.Info("Email (dev mode)", fields...)
	return nil
}

func (l *Log) SendAlert(ctx context.Context, email string, kind AlertKind, details map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := alertMessage(email, kind, details, l.now())
	l.logger.Info("Email (dev mode)",
		zap.String("to", msg.To),
		zap.String("template", msg.Template),
		zap.String("subject", msg.Subject),
	)
	return nil
}
