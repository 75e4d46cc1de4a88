package campaign

import (
	"context"
	"fmt"

	"github.com/example/crm-delivery/internal/model"
)

// NextStatus derives a campaign's status from its message counts. The result
// never ranks below current.
//
//	done == 0             no change
//	0 < done < total      in-progress
//	done == total > 0     completed
func NextStatus(current model.CampaignStatus, counts model.MessageCounts) model.CampaignStatus {
	done := counts.Done()
	var target model.CampaignStatus
	switch {
	case done == 0:
		return current
	case done < counts.Total:
		target = model.CampaignInProgress
	default:
		target = model.CampaignCompleted
	}
	if target.Rank() <= current.Rank() {
		return current
	}
	return target
}

// StatusEngine recomputes campaign status from persisted message state.
type StatusEngine struct {
	Messages  MessageStore
	Campaigns CampaignStore
}

// Recompute reloads fresh counts for campaignID and advances its status when
// they call for it. It returns the status in force afterwards.
func (e *StatusEngine) Recompute(ctx context.Context, campaignID string) (model.CampaignStatus, error) {
	c, err := e.Campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return "", notFound("campaign", campaignID, err)
	}
	counts, err := e.Messages.CountMessages(ctx, campaignID)
	if err != nil {
		return c.Status, fmt.Errorf("count messages: %w", err)
	}
	next := NextStatus(c.Status, counts)
	if next == c.Status {
		return c.Status, nil
	}
	if _, err := e.Campaigns.AdvanceCampaignStatus(ctx, campaignID, next); err != nil {
		return c.Status, fmt.Errorf("advance status: %w", err)
	}
	return next, nil
}
