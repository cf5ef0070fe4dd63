package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailcoach/models"
	"mailcoach/utils"
)

// ErrSyncInProgress is returned when a run is requested for an account
// that already has one in flight.
var ErrSyncInProgress = errors.New("sync already in progress for this account")

// Folder outcome values.
const (
	FolderSynced = "synced"
	FolderFailed = "failed"
)

// Report status values.
const (
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// FolderStatus is the per-folder slice of a sync report.
type FolderStatus struct {
	Folder string `json:"folder"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Stats  Stats  `json:"stats"`
}

// SyncReport summarizes one run over an account.
type SyncReport struct {
	AccountID  uint           `json:"account_id"`
	Status     string         `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	Folders    []FolderStatus `json:"folders"`
	Totals     Stats          `json:"totals"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Orchestrator drives a full sync run: refresh credentials, walk each
// folder's delta feed, reconcile everything in one transaction.
type Orchestrator struct {
	db         *gorm.DB
	tokens     *TokenManager
	fetcher    *PageFetcher
	cursors    *CursorStore
	reconciler *Reconciler
	logger     *logrus.Logger

	folders    []string
	maxRetries int
	baseDelay  time.Duration

	accountLocks sync.Map
}

func NewOrchestrator(db *gorm.DB, tokens *TokenManager, fetcher *PageFetcher, folders []string, maxRetries int, logger *logrus.Logger) *Orchestrator {
	if len(folders) == 0 {
		folders = []string{"inbox"}
	}
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &Orchestrator{
		db:         db,
		tokens:     tokens,
		fetcher:    fetcher,
		cursors:    NewCursorStore(db),
		reconciler: NewReconciler(logger),
		logger:     logger,
		folders:    folders,
		maxRetries: maxRetries,
		baseDelay:  time.Second,
	}
}

func (o *Orchestrator) getAccountLock(accountID uint) *sync.Mutex {
	lock, _ := o.accountLocks.LoadOrStore(accountID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// folderResult holds a fetched-but-not-yet-committed folder.
type folderResult struct {
	folder    string
	cursorID  uint
	newCursor string
	changes   []*Change
	dropped   int
}

// SyncAccount runs the state machine for one account. At most one run per
// account is in flight at a time; a concurrent request gets
// ErrSyncInProgress instead of queueing behind the running one.
//
// Fetching is per folder with bounded retries on transient errors; a
// folder that keeps failing is skipped and keeps its old cursor. All
// successfully fetched folders are then reconciled and their cursors
// advanced inside a single transaction, so a crash or database error
// leaves every folder on its previous consistent state.
func (o *Orchestrator) SyncAccount(ctx context.Context, accountID uint) (*SyncReport, error) {
	lock := o.getAccountLock(accountID)
	if !lock.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer lock.Unlock()

	report := &SyncReport{
		AccountID: accountID,
		StartedAt: time.Now().UTC(),
	}

	var account models.EmailAccount
	if err := o.db.First(&account, accountID).Error; err != nil {
		report.Status = StatusFailed
		report.Reason = "account not found"
		report.FinishedAt = time.Now().UTC()
		return report, newError(KindPersistence, "orchestrator.load", err)
	}

	cred, err := o.tokens.Refresh(ctx, &account)
	if err != nil {
		report.Status = StatusFailed
		report.Reason = failureReason(err)
		report.FinishedAt = time.Now().UTC()
		o.recordOutcome(&account, report)
		utils.LogError("sync_token_refresh_failed", err, map[string]interface{}{
			"account_id": accountID,
		})
		return report, err
	}

	var (
		results     []folderResult
		authFailure error
	)
	for _, folder := range o.folders {
		if authFailure != nil {
			report.Folders = append(report.Folders, FolderStatus{
				Folder: folder,
				Status: FolderFailed,
				Error:  "skipped: reauthorization required",
			})
			continue
		}

		result, err := o.fetchFolder(ctx, cred, accountID, folder)
		if err != nil {
			report.Folders = append(report.Folders, FolderStatus{
				Folder: folder,
				Status: FolderFailed,
				Error:  err.Error(),
			})
			if IsAuthExpired(err) {
				// The credential died mid-run; no point hitting the
				// remaining folders with it.
				authFailure = err
			}
			continue
		}
		results = append(results, *result)
		report.Folders = append(report.Folders, FolderStatus{
			Folder: folder,
			Status: FolderSynced,
		})
	}

	if len(results) > 0 {
		stats, err := o.commit(accountID, results)
		if err != nil {
			// The whole batch rolled back; downgrade every fetched folder.
			for i := range report.Folders {
				if report.Folders[i].Status == FolderSynced {
					report.Folders[i].Status = FolderFailed
					report.Folders[i].Error = err.Error()
				}
			}
			report.Status = StatusFailed
			report.Reason = failureReason(err)
			report.FinishedAt = time.Now().UTC()
			o.recordOutcome(&account, report)
			return report, err
		}
		for i := range report.Folders {
			if report.Folders[i].Status == FolderSynced {
				report.Folders[i].Stats = stats[report.Folders[i].Folder]
				report.Totals.Add(stats[report.Folders[i].Folder])
			}
		}
	}

	report.Status = overallStatus(report.Folders)
	if authFailure != nil {
		report.Reason = failureReason(authFailure)
	}
	report.FinishedAt = time.Now().UTC()
	o.recordOutcome(&account, report)

	utils.LogEvent("sync_completed", map[string]interface{}{
		"account_id": accountID,
		"status":     report.Status,
		"inserted":   report.Totals.Inserted,
		"updated":    report.Totals.Updated,
		"deleted":    report.Totals.Deleted,
		"dropped":    report.Totals.Dropped,
	})
	return report, nil
}

// fetchFolder pulls and normalizes every change for one folder, retrying
// transient failures with exponential backoff. Nothing is written here;
// the cursor only moves at commit time.
func (o *Orchestrator) fetchFolder(ctx context.Context, cred *Credential, accountID uint, folder string) (*folderResult, error) {
	cursor, err := o.cursors.Load(accountID, folder)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < o.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, o.baseDelay<<uint(attempt-1)); err != nil {
				return nil, newError(KindTransient, "orchestrator.fetch", err)
			}
		}

		result := &folderResult{folder: folder, cursorID: cursor.ID}
		newCursor, err := o.fetcher.FetchChanges(ctx, cred.AccessToken, folder, cursor.DeltaLink, func(raw RawChange) error {
			change, nerr := Normalize(raw)
			if nerr != nil {
				result.dropped++
				o.logger.WithFields(logrus.Fields{
					"account_id": accountID,
					"folder":     folder,
					"record_id":  raw.ID,
					"error":      nerr.Error(),
				}).Warn("dropping malformed record")
				return nil
			}
			result.changes = append(result.changes, change)
			return nil
		})
		if err == nil {
			result.newCursor = newCursor
			return result, nil
		}

		lastErr = err
		if !IsTransient(err) {
			break
		}
		o.logger.WithFields(logrus.Fields{
			"account_id": accountID,
			"folder":     folder,
			"attempt":    attempt + 1,
		}).Warn("transient fetch failure, retrying")
	}
	return nil, lastErr
}

// commit reconciles every fetched folder and advances its cursor in one
// transaction.
func (o *Orchestrator) commit(accountID uint, results []folderResult) (map[string]Stats, error) {
	stats := make(map[string]Stats, len(results))
	err := o.db.Transaction(func(tx *gorm.DB) error {
		for _, result := range results {
			st, err := o.reconciler.Apply(tx, accountID, result.changes)
			if err != nil {
				return err
			}
			st.Dropped = result.dropped
			stats[result.folder] = st
			if err := o.cursors.Save(tx, result.cursorID, result.newCursor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// recordOutcome updates the account's sync bookkeeping columns. Failures
// here are logged and swallowed; they must not mask the sync outcome.
func (o *Orchestrator) recordOutcome(account *models.EmailAccount, report *SyncReport) {
	updates := map[string]interface{}{
		"last_synced_at": report.FinishedAt,
	}
	if report.Status == StatusCompleted {
		updates["last_sync_error"] = nil
	} else {
		reason := report.Reason
		if reason == "" {
			reason = report.Status
		}
		updates["last_sync_error"] = reason
	}
	if err := o.db.Model(account).Updates(updates).Error; err != nil {
		o.logger.WithFields(logrus.Fields{
			"account_id": account.ID,
			"error":      err.Error(),
		}).Error("failed to record sync outcome")
	}
}

func overallStatus(folders []FolderStatus) string {
	synced := 0
	for _, f := range folders {
		if f.Status == FolderSynced {
			synced++
		}
	}
	switch {
	case synced == len(folders):
		return StatusCompleted
	case synced > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

func failureReason(err error) string {
	switch KindOf(err) {
	case KindAuthExpired:
		return "reauthorization required"
	case KindPersistence:
		return "local persistence failure"
	case KindProviderRejected:
		return "provider rejected the request"
	default:
		return "transient provider failure"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
