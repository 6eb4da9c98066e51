package dispatch

import (
	"context"
	"time"

	"weatherpush/internal/storage"
	logx "weatherpush/pkg/logx"
)

// persist hands an audit record to the persist loop. Audit is best-effort:
// a full buffer drops the record rather than slowing delivery.
func (e *Engine) persist(ctx context.Context, rec storage.DeliveryRecord) {
	if e.store == nil {
		return
	}
	// The send is non-blocking, so holding e.mu across it is cheap and
	// keeps Stop from closing the channel underneath it.
	e.mu.Lock()
	ch := e.persistCh
	if ch == nil {
		e.mu.Unlock()
		// Synchronous pass outside a running engine (simulate, tests).
		e.write(ctx, rec)
		return
	}
	select {
	case ch <- rec:
	default:
		e.log.Debug("audit buffer full, record dropped", logx.String("event_id", rec.EventID))
	}
	e.mu.Unlock()
}

func (e *Engine) persistLoop(ctx context.Context, ch <-chan storage.DeliveryRecord) {
	for rec := range ch {
		e.write(ctx, rec)
	}
}

func (e *Engine) write(ctx context.Context, rec storage.DeliveryRecord) {
	// Detach from pass cancellation so a shutdown still flushes the tail.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := e.store.AppendDelivery(cctx, rec); err != nil {
		e.log.Warn("audit write failed", logx.String("event_id", rec.EventID), logx.Err(err))
	}
}
