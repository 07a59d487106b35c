package mempool

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// BlockNumberReader is the single call the watcher makes.
type BlockNumberReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// BlockWatcher polls the chain head and publishes a NewBlock trigger for
// every head change. It also serves as the HeadSource for the Monitor.
type BlockWatcher struct {
	client   BlockNumberReader
	queue    *TriggerQueue
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	latest atomic.Uint64
}

func NewBlockWatcher(client BlockNumberReader, queue *TriggerQueue, interval, timeout time.Duration, logger *zap.Logger) *BlockWatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &BlockWatcher{
		client:   client,
		queue:    queue,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Latest returns the last block number observed, or 0 before the first poll.
func (w *BlockWatcher) Latest() uint64 {
	return w.latest.Load()
}

// Run polls until ctx is cancelled. Read errors are logged and the next
// tick tries again.
func (w *BlockWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *BlockWatcher) poll(ctx context.Context) {
	readCtx := ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	block, err := w.client.BlockNumber(readCtx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("Failed to read block number", zap.Error(err))
		}
		return
	}

	prev := w.latest.Load()
	if block <= prev {
		return
	}
	w.latest.Store(block)
	w.queue.Publish(NewBlockTrigger(block))
	w.logger.Debug("New block", zap.Uint64("block", block))
}
