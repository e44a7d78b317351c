package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"OpenLLM-Orchestra/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// EventType 描述出站事件的类型，与发件箱的事件类型一一对应。
type EventType string

const (
	EventRequestSent      EventType = "request_sent"
	EventResponseReceived EventType = "response_received"
	EventResponseReady    EventType = "response_ready"
	EventResponseFailed   EventType = "response_failed"
)

// Event 描述一次需要对外通知的事件。
type Event struct {
	Type          EventType
	Service       string
	CorrelationID string
	WorkID        string
	Attempts      int
	Payload       map[string]any
	OccurredAt    time.Time
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

// LogNotifier 把事件写入结构化日志，始终可用。
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logger.Named("notify")}
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录事件。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	n.log.Info("event delivered",
		slog.String("type", string(event.Type)),
		slog.String("service", event.Service),
		slog.String("correlation_id", event.CorrelationID),
		slog.String("work_id", event.WorkID),
		slog.Int("attempts", event.Attempts),
	)
	return nil
}
