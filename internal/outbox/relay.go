package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"OpenLLM-Orchestra/internal/dispatch"
	"OpenLLM-Orchestra/internal/notify"
	"OpenLLM-Orchestra/pkg/logger"
)

// Relay 周期性扫描发件箱，把到期条目广播给通知渠道。
// 投递失败按指数退避重试，重试耗尽的条目进入死信等待人工处理。
type Relay struct {
	store    Store
	fanout   notify.Dispatcher
	interval time.Duration
	batch    int
	log      *slog.Logger
}

func NewRelay(store Store, fanout notify.Dispatcher, interval time.Duration, batch int) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 32
	}
	return &Relay{
		store:    store,
		fanout:   fanout,
		interval: interval,
		batch:    batch,
		log:      logger.Named("outbox"),
	}
}

// Start 阻塞运行中继循环直到 ctx 取消。
func (r *Relay) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.log.Info("outbox relay started", "interval", r.interval.String(), "batch", r.batch)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick 执行一轮扫描与投递。
func (r *Relay) Tick(ctx context.Context) {
	now := time.Now().Unix()
	entries, err := r.store.ClaimDue(ctx, now, r.batch)
	if err != nil {
		r.log.Error("claim due entries failed", "error", err)
		return
	}
	for _, entry := range entries {
		r.deliver(ctx, entry, now)
	}
}

func (r *Relay) deliver(ctx context.Context, entry *Entry, now int64) {
	event := notify.Event{
		Type:          entry.EventType,
		Service:       entry.Service,
		CorrelationID: entry.CorrelationID,
		WorkID:        entry.WorkID,
		Attempts:      entry.Attempts,
		OccurredAt:    time.Unix(entry.CreatedAt, 0),
	}
	if len(entry.Payload) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(entry.Payload, &payload); err == nil {
			event.Payload = payload
		}
	}

	if err := r.fanout.Notify(ctx, event); err != nil {
		dead := entry.Attempts >= entry.MaxAttempts
		next := now + int64(dispatch.Backoff(entry.Attempts).Seconds())
		if markErr := r.store.MarkFailed(ctx, entry.ID, err.Error(), next, dead); markErr != nil {
			r.log.Error("mark delivery failure failed", "entry_id", entry.ID, "error", markErr)
			return
		}
		if dead {
			r.log.Error("entry dead-lettered",
				"entry_id", entry.ID, "event_type", string(entry.EventType), "error", err)
		} else {
			r.log.Warn("delivery failed, retry scheduled",
				"entry_id", entry.ID, "attempt", entry.Attempts, "error", err)
		}
		return
	}

	if err := r.store.MarkDispatched(ctx, entry.ID, now); err != nil {
		r.log.Error("mark dispatched failed", "entry_id", entry.ID, "error", err)
	}
}

// ForceDispatch 把一条死信或等待中的条目立即重新投递。
func (r *Relay) ForceDispatch(ctx context.Context, id string) error {
	if err := r.store.Reset(ctx, id); err != nil {
		return err
	}
	entry, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	r.deliver(ctx, entry, time.Now().Unix())
	return nil
}
