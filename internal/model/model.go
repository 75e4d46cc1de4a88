// Package model holds the records shared by the campaign delivery pipeline:
// the persisted entities, the send-job and receipt wire payloads, and the
// status enums both of them carry.
package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

type Customer struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email,omitempty"`
	TotalSpending float64   `json:"totalSpending"`
	CountVisits   int       `json:"countVisits"`
	LastActiveAt  time.Time `json:"lastActiveAt"`
}

type Segment struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	OwnerID    string    `json:"ownerId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type CampaignStatus string

const (
	CampaignPending    CampaignStatus = "pending"
	CampaignInProgress CampaignStatus = "in-progress"
	CampaignCompleted  CampaignStatus = "completed"
)

// Rank orders campaign statuses so that transitions can be checked for
// regressions. Unknown statuses rank below pending.
func (s CampaignStatus) Rank() int {
	switch s {
	case CampaignPending:
		return 1
	case CampaignInProgress:
		return 2
	case CampaignCompleted:
		return 3
	default:
		return 0
	}
}

type Campaign struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	SegmentID       string         `json:"segmentId,omitempty"`
	OwnerID         string         `json:"ownerId,omitempty"`
	MessageTemplate string         `json:"messageTemplate"`
	CustomerIDs     []string       `json:"customerIds"`
	AudienceSize    int            `json:"audienceSize"`
	Intent          string         `json:"intent,omitempty"`
	Status          CampaignStatus `json:"status"`
	CreatedAt       time.Time      `json:"createdAt"`
}

type MessageStatus string

const (
	MessagePending MessageStatus = "PENDING"
	MessageSent    MessageStatus = "SENT"
	MessageFailed  MessageStatus = "FAILED"
)

// Terminal reports whether s is an outcome a receipt may carry.
func (s MessageStatus) Terminal() bool {
	return s == MessageSent || s == MessageFailed
}

type Message struct {
	ID              string        `json:"id"`
	CampaignID      string        `json:"campaignId"`
	CustomerID      string        `json:"customerId"`
	Text            string        `json:"text"`
	Status          MessageStatus `json:"status"`
	VendorMessageID string        `json:"vendorMessageId,omitempty"`
	DeliveredAt     *time.Time    `json:"deliveredAt,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// SendJob is one element of a campaign:send batch.
type SendJob struct {
	MessageID  string `json:"messageId"`
	CustomerID string `json:"customerId"`
	Text       string `json:"text"`
}

// Receipt is the outcome of one vendor dispatch as carried on
// delivery:receipts. It is never persisted as-is.
type Receipt struct {
	VendorMessageID string        `json:"vendorMessageId"`
	Status          MessageStatus `json:"status"`
	ReceivedAt      time.Time     `json:"receivedAt"`
}

// receivedAtLayouts are tried in order. Zoneless layouts are read as UTC.
var receivedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// UnmarshalJSON accepts receivedAt as RFC 3339, as a zoneless timestamp or
// date, or as unix seconds. An empty, null or unreadable value leaves
// ReceivedAt zero so the receiver stamps its own clock instead of dropping
// the receipt.
func (r *Receipt) UnmarshalJSON(data []byte) error {
	type plain Receipt
	var raw struct {
		plain
		ReceivedAt json.RawMessage `json:"receivedAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Receipt(raw.plain)
	r.ReceivedAt = ParseReceivedAt(raw.ReceivedAt)
	return nil
}

// ParseReceivedAt reads a JSON receivedAt value, returning the zero time when
// it cannot be understood.
func ParseReceivedAt(raw json.RawMessage) time.Time {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var secs json.Number
		if err := json.Unmarshal(raw, &secs); err != nil {
			return time.Time{}
		}
		n, err := secs.Int64()
		if err != nil || n <= 0 {
			return time.Time{}
		}
		return time.Unix(n, 0).UTC()
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range receivedAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// SendOutcome is what the send worker records on a message after the vendor
// call.
type SendOutcome struct {
	VendorMessageID string
	Status          MessageStatus
	Text            string
	DeliveredAt     *time.Time
}

type MessageCounts struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// Done is the number of messages that reached a terminal status.
func (c MessageCounts) Done() int {
	return c.Sent + c.Failed
}
