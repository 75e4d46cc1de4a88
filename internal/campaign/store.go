package campaign

import (
	"context"

	"github.com/example/crm-delivery/internal/model"
)

// MessageStore persists campaign messages.
type MessageStore interface {
	// CreateMessage inserts msg and returns it as stored. It fails with
	// model.ErrDuplicate when the (campaign, customer) pair already has a
	// message.
	CreateMessage(ctx context.Context, msg model.Message) (model.Message, error)
	RecordSendOutcome(ctx context.Context, messageID string, outcome model.SendOutcome) error
	// ApplyReceipts sets status, and deliveredAt for SENT receipts when it is
	// unset, on every message matching a receipt's vendor message id.
	ApplyReceipts(ctx context.Context, receipts []model.Receipt) error
	// ApplyReceipt is the direct-write path: last write wins on both status and
	// deliveredAt.
	ApplyReceipt(ctx context.Context, receipt model.Receipt) (model.Message, error)
	CampaignIDsForVendorMessages(ctx context.Context, vendorMessageIDs []string) ([]string, error)
	CountMessages(ctx context.Context, campaignID string) (model.MessageCounts, error)
}

type CampaignStore interface {
	CreateCampaign(ctx context.Context, c model.Campaign) error
	GetCampaign(ctx context.Context, id string) (model.Campaign, error)
	// AdvanceCampaignStatus moves the campaign to status unless it already is at
	// or beyond it. advanced reports whether a write happened.
	AdvanceCampaignStatus(ctx context.Context, id string, status model.CampaignStatus) (advanced bool, err error)
}

type SegmentStore interface {
	GetSegment(ctx context.Context, id string) (model.Segment, error)
}

type CustomerStore interface {
	GetCustomer(ctx context.Context, id string) (model.Customer, error)
	ListCustomers(ctx context.Context) ([]model.Customer, error)
}

// Store is the full persistence surface of the pipeline.
type Store interface {
	MessageStore
	CampaignStore
	SegmentStore
	CustomerStore
}
