package billing

import (
	"context"
	"sync"

	"github.com/smallbiznis/rebill/internal/observability/metrics"
	"go.uber.org/zap"
)

type chargeTask struct {
	invoiceID int64
	memberID  int64
}

// chargePool runs outbound charges on a fixed number of goroutines so
// the start-subscription endpoint can answer before the gateway round
// trip completes.
type chargePool struct {
	tasks   chan chargeTask
	handler func(context.Context, chargeTask)
	log     *zap.Logger
	metrics *metrics.Metrics
	workers int
	wg      sync.WaitGroup
}

func newChargePool(workers, queueSize int, log *zap.Logger, handler func(context.Context, chargeTask), m *metrics.Metrics) *chargePool {
	return &chargePool{
		tasks:   make(chan chargeTask, queueSize),
		handler: handler,
		log:     log.Named("billing.pool"),
		metrics: m,
		workers: workers,
	}
}

func (p *chargePool) start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t, ok := <-p.tasks:
					if !ok {
						return
					}
					p.run(ctx, t)
					p.metrics.SetChargeQueueDepth(len(p.tasks))
				}
			}
		}()
	}
}

func (p *chargePool) stop() {
	close(p.tasks)
	p.wg.Wait()
}

func (p *chargePool) enqueue(t chargeTask) bool {
	select {
	case p.tasks <- t:
		p.metrics.SetChargeQueueDepth(len(p.tasks))
		return true
	default:
		return false
	}
}

func (p *chargePool) run(ctx context.Context, t chargeTask) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("charge task panicked",
				zap.Int64("invoice_id", t.invoiceID),
				zap.Any("panic", r),
			)
		}
	}()
	p.handler(ctx, t)
}
