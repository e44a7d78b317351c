package dispatch

import (
	"context"
	"log/slog"

	"OpenLLM-Orchestra/pkg/logger"
)

// Worker 消费一个队列后端并通过 Dispatcher 执行取到的执行单元。
type Worker struct {
	dispatcher *Dispatcher
	queue      Queue
	count      int
	log        *slog.Logger
}

// NewWorker 创建队列消费者。count 小于等于零时回落为 1。
func NewWorker(dispatcher *Dispatcher, queue Queue, count int) *Worker {
	if count <= 0 {
		count = 1
	}
	return &Worker{
		dispatcher: dispatcher,
		queue:      queue,
		count:      count,
		log:        logger.Named("worker"),
	}
}

// Start 阻塞消费直到 ctx 取消。执行错误只记录日志，
// 重试与终态由 Dispatcher 的状态机决定。
func (w *Worker) Start(ctx context.Context) error {
	w.log.Info("worker started", "count", w.count)
	return w.queue.Consume(ctx, w.count, func(ctx context.Context, workID string) error {
		if err := w.dispatcher.Execute(ctx, workID); err != nil {
			w.log.Warn("work execution failed", "work_id", workID, "error", err)
		}
		return nil
	})
}
