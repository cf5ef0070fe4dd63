package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"mailcoach/models"
	"mailcoach/sync"
	"mailcoach/utils"
)

// SyncController exposes the manual sync trigger. It owns nothing beyond
// a handle to the orchestrator built in main.
type SyncController struct {
	orchestrator *sync.Orchestrator
}

func NewSyncController(orchestrator *sync.Orchestrator) *SyncController {
	return &SyncController{orchestrator: orchestrator}
}

// TriggerSync runs a full sync for one account and returns the report.
// The report carries per-folder outcomes, so a partial run still comes
// back 200 with status "partial".
func (sc *SyncController) TriggerSync(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	accountID := utils.ParseUint(c.Params("id"))

	if _, err := ownedAccount(user, accountID); err != nil {
		return accountLookupError(c, err)
	}

	report, err := sc.orchestrator.SyncAccount(c.Context(), accountID)
	if err != nil {
		if errors.Is(err, sync.ErrSyncInProgress) {
			return utils.ErrorResponse(c, fiber.StatusConflict, "Sync already in progress", nil)
		}
		if report != nil {
			// The run failed but the report explains why; surface both.
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"success": false,
				"report":  report,
			})
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Sync failed", err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"report":  report,
	})
}
