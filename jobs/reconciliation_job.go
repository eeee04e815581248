package jobs

import (
	"context"
	"log"
	"time"

	"github.com/anjiri1684/settlement_core/services"
	"github.com/robfig/cron/v3"
)

// RegisterReconciliationJob schedules the sweeper. Each tick scans for
// entries stuck past their provider's grace period and trims expired
// webhook dedup rows.
func RegisterReconciliationJob(c *cron.Cron, reconciler *services.ReconcileService, spec string) error {
	_, err := c.AddFunc(spec, func() {
		log.Println("Running job: ReconcileStuckPayments...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if err := reconciler.SweepOnce(ctx); err != nil {
			log.Printf("Error sweeping stuck payments: %v", err)
		}
		reconciler.PurgeExpiredEvents(ctx)
	})
	return err
}
