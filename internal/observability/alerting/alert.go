package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenFarm-Chain/internal/errors"
	"OpenFarm-Chain/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次需要告警的事件，携带钱包与动作上下文。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	Channel    Channel
	WalletID   int64
	Address    string
	Action     string
	Attempts   int
	MaxRetries int
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 把告警写入审计日志，是默认启用的渠道。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入审计日志。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	logger.Audit().Warn("告警事件",
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.Int64("wallet_id", event.WalletID),
		slog.String("address", event.Address),
		slog.String("action", event.Action),
		slog.Int("attempts", event.Attempts),
		slog.String("message", event.Message),
	)
	return nil
}

// WebhookSender 负责把文本消息发送到外部 webhook。
type WebhookSender interface {
	Send(ctx context.Context, content string) error
}

// WebhookNotifier 通过 webhook 发送告警。
type WebhookNotifier struct {
	Sender WebhookSender
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送 webhook 消息。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送",
			slog.Int64("wallet_id", event.WalletID))
		return nil
	}
	content := fmt.Sprintf("[%s] %s\n钱包: %d %s\n动作: %s\n重试: %d/%d\n%s",
		event.Severity, event.Code, event.WalletID, event.Address,
		event.Action, event.Attempts, event.MaxRetries, event.Message)
	return n.Sender.Send(ctx, content)
}
