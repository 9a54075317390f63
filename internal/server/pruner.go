package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/jacksonlee411/propertyops/pkg/idempotency"
)

// RunLedgerPruner removes expired idempotency records every interval until
// ctx is done.
func RunLedgerPruner(ctx context.Context, ledger *idempotency.Ledger, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultPruneInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := ledger.Prune(ctx)
			if err != nil {
				logger.Warn("idempotency prune failed", "event", "idempotency_prune_failed", "error", err.Error())
				continue
			}
			if n > 0 {
				logger.Info("idempotency records pruned", "event", "idempotency_pruned", "deleted", n)
			}
		}
	}
}
