package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"

	"mailcoach/models"
	"mailcoach/sync"
)

// SyncWorker periodically syncs every connected mailbox. A failing account
// never stops the loop; its error is recorded and the next account runs.
type SyncWorker struct {
	db           *gorm.DB
	orchestrator *sync.Orchestrator
	interval     time.Duration
	logger       *log.Logger
}

func NewSyncWorker(db *gorm.DB, orchestrator *sync.Orchestrator, interval time.Duration, logger *log.Logger) *SyncWorker {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &SyncWorker{
		db:           db,
		orchestrator: orchestrator,
		interval:     interval,
		logger:       logger,
	}
}

func (sw *SyncWorker) Start(ctx context.Context) {
	sw.logger.Println("Starting sync worker...")
	ticker := time.NewTicker(sw.interval)

	for {
		select {
		case <-ticker.C:
			if err := sw.SyncAll(ctx); err != nil {
				sw.logger.Printf("Sync sweep finished with errors: %v", err)
			}
		case <-ctx.Done():
			sw.logger.Println("Stopping sync worker...")
			ticker.Stop()
			return
		}
	}
}

// SyncAll runs one sweep over every account. Per-account failures are
// aggregated so the caller sees all of them, not just the first.
func (sw *SyncWorker) SyncAll(ctx context.Context) error {
	var accounts []models.EmailAccount
	if err := sw.db.Find(&accounts).Error; err != nil {
		sw.logger.Printf("Failed to list accounts: %v", err)
		return err
	}

	var result *multierror.Error
	for _, account := range accounts {
		if ctx.Err() != nil {
			return result.ErrorOrNil()
		}

		report, err := sw.orchestrator.SyncAccount(ctx, account.ID)
		if err != nil {
			if errors.Is(err, sync.ErrSyncInProgress) {
				// A manual trigger beat us to it; skip silently.
				continue
			}
			result = multierror.Append(result, err)
			sw.logger.Printf("Sync failed for account %d: %v", account.ID, err)
			continue
		}
		sw.logger.Printf("Synced account %d: %s (+%d ~%d -%d)",
			account.ID, report.Status,
			report.Totals.Inserted, report.Totals.Updated, report.Totals.Deleted)
	}
	return result.ErrorOrNil()
}
