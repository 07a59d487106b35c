package mempool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/michaelpento.lv/polyarb/config"
	"github.com/michaelpento.lv/polyarb/utils/metrics"
)

var ErrBreakerOpen = errors.New("circuit breaker is tripped")

// HeadSource reports the latest block the engine has seen.
type HeadSource interface {
	Latest() uint64
}

// Monitor turns the node's pending transaction hash stream into PendingTx
// triggers.
type Monitor struct {
	client  EthClient
	queue   *TriggerQueue
	head    HeadSource
	logger  *zap.Logger
	metrics *metrics.MempoolMetrics

	limiter     *rate.Limiter
	waitTimeout time.Duration
	readTimeout time.Duration
	cache       *lru.Cache
	breaker     *CircuitBreaker
}

func NewMonitor(cfg *config.Config, client EthClient, queue *TriggerQueue, head HeadSource, breaker *CircuitBreaker, m *metrics.MempoolMetrics, logger *zap.Logger) (*Monitor, error) {
	size := cfg.SeenCacheSize
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create seen cache: %w", err)
	}

	return &Monitor{
		client:      client,
		queue:       queue,
		head:        head,
		logger:      logger,
		metrics:     m,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RPCRateLimit.RequestsPerSecond), cfg.RPCRateLimit.BurstSize),
		waitTimeout: cfg.RPCRateLimit.WaitTimeout,
		readTimeout: cfg.ReadTimeout,
		cache:       cache,
		breaker:     breaker,
	}, nil
}

// Run blocks until ctx is cancelled or the subscription fails. The returned
// error is never ctx.Err().
func (m *Monitor) Run(ctx context.Context) error {
	hashes := make(chan common.Hash, 1024)
	sub, err := m.client.SubscribePendingTransactions(ctx, hashes)
	if err != nil {
		return fmt.Errorf("failed to subscribe to pending transactions: %w", err)
	}
	defer sub.Unsubscribe()

	m.logger.Info("Pending transaction subscription started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				return nil
			}
			m.breaker.RecordError(err)
			return fmt.Errorf("pending transaction subscription failed: %w", err)
		case hash := <-hashes:
			if err := m.handle(ctx, hash); err != nil && ctx.Err() == nil {
				m.logger.Debug("Dropped pending transaction",
					zap.String("tx_hash", hash.Hex()),
					zap.Error(err))
			}
		}
	}
}

func (m *Monitor) handle(ctx context.Context, hash common.Hash) error {
	if seen, _ := m.cache.ContainsOrAdd(hash, struct{}{}); seen {
		return nil
	}
	if !m.breaker.IsHealthy() {
		return ErrBreakerOpen
	}

	waitCtx := ctx
	if m.waitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.waitTimeout)
		defer cancel()
	}
	if err := m.limiter.Wait(waitCtx); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}

	readCtx := ctx
	if m.readTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, m.readTimeout)
		defer cancel()
	}
	tx, _, err := m.client.TransactionByHash(readCtx, hash)
	if err != nil {
		if m.metrics != nil {
			m.metrics.FetchFails.Inc()
		}
		m.breaker.RecordError(err)
		return fmt.Errorf("failed to get transaction: %w", err)
	}
	// Contract creations can never touch a tracked router or pool.
	if tx == nil || tx.To() == nil {
		if m.metrics != nil {
			m.metrics.Filtered.Inc()
		}
		return nil
	}

	var block uint64
	if m.head != nil {
		block = m.head.Latest()
	}
	m.queue.Publish(NewPendingTrigger(tx, block))
	return nil
}
