package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/crm-delivery/internal/model"
	"github.com/example/crm-delivery/internal/segment"
)

const uniqueViolation = "23505"

const messageColumns = `id, campaign_id, customer_id, text, status, COALESCE(vendor_message_id, ''), delivered_at, created_at`

const insertMessage = `
INSERT INTO messages (id, campaign_id, customer_id, text, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (campaign_id, customer_id) DO NOTHING
RETURNING ` + messageColumns

const recordOutcome = `
UPDATE messages
SET vendor_message_id = COALESCE($2, vendor_message_id), status = $3, text = COALESCE(NULLIF($4, ''), text), delivered_at = COALESCE($5, delivered_at), updated_at = now()
WHERE id = $1
`

// applyReceipts updates every message named by the receipt arrays in one
// statement. deliveredAt is only filled when unset so replays are no-ops.
const applyReceipts = `
UPDATE messages AS m
SET status = r.status,
    delivered_at = CASE WHEN r.status = 'SENT' THEN COALESCE(m.delivered_at, r.received_at) ELSE m.delivered_at END,
    updated_at = now()
FROM unnest($1::text[], $2::text[], $3::timestamptz[]) AS r(vendor_message_id, status, received_at)
WHERE m.vendor_message_id = r.vendor_message_id
`

const applyReceipt = `
UPDATE messages
SET status = $2::text,
    delivered_at = CASE WHEN $2::text = 'SENT' THEN $3::timestamptz ELSE delivered_at END,
    updated_at = now()
WHERE vendor_message_id = $1
RETURNING ` + messageColumns

const selectCampaignIDs = `
SELECT DISTINCT campaign_id FROM messages WHERE vendor_message_id = ANY($1)
`

const countMessages = `
SELECT count(*),
       count(*) FILTER (WHERE status = 'PENDING'),
       count(*) FILTER (WHERE status = 'SENT'),
       count(*) FILTER (WHERE status = 'FAILED')
FROM messages
WHERE campaign_id = $1
`

const insertCampaign = `
INSERT INTO campaigns (id, title, segment_id, owner_id, message_template, customer_ids, audience_size, intent, status, created_at)
VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), $9, $10)
`

const selectCampaign = `
SELECT id, title, COALESCE(segment_id, ''), COALESCE(owner_id, ''), message_template, customer_ids,
       audience_size, COALESCE(intent, ''), status, created_at
FROM campaigns
WHERE id = $1
`

// advanceCampaign only writes when the stored status ranks below the target.
const advanceCampaign = `
UPDATE campaigns
SET status = $2, updated_at = now()
WHERE id = $1
  AND (CASE status WHEN 'pending' THEN 1 WHEN 'in-progress' THEN 2 WHEN 'completed' THEN 3 ELSE 0 END) < $3
`

const selectSegment = `
SELECT id, name, expression, COALESCE(owner_id, ''), created_at FROM segments WHERE id = $1
`

const customerColumns = `id, name, COALESCE(email, ''), total_spending, count_visits, last_active_at`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var ErrNotConfigured = errors.New("postgres store requires a non-nil pool")

func MustStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, ErrNotConfigured
	}
	return NewStore(pool), nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	row := s.pool.QueryRow(ctx, insertMessage,
		msg.ID,
		msg.CampaignID,
		msg.CustomerID,
		msg.Text,
		string(msg.Status),
		msg.CreatedAt,
	)
	saved, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Message{}, fmt.Errorf("message for campaign %s customer %s: %w", msg.CampaignID, msg.CustomerID, model.ErrDuplicate)
		}
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return saved, nil
}

func (s *Store) RecordSendOutcome(ctx context.Context, messageID string, outcome model.SendOutcome) error {
	tag, err := s.pool.Exec(ctx, recordOutcome,
		messageID,
		nullable(outcome.VendorMessageID),
		string(outcome.Status),
		outcome.Text,
		outcome.DeliveredAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("vendor message %s: %w", outcome.VendorMessageID, model.ErrDuplicate)
		}
		return fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
	}
	return nil
}

func (s *Store) ApplyReceipts(ctx context.Context, receipts []model.Receipt) error {
	if len(receipts) == 0 {
		return nil
	}
	ids := make([]string, len(receipts))
	statuses := make([]string, len(receipts))
	times := make([]time.Time, len(receipts))
	for i, r := range receipts {
		ids[i] = r.VendorMessageID
		statuses[i] = string(r.Status)
		times[i] = receivedAt(r)
	}
	if _, err := s.pool.Exec(ctx, applyReceipts, ids, statuses, times); err != nil {
		return fmt.Errorf("bulk apply receipts: %w", err)
	}
	return nil
}

func (s *Store) ApplyReceipt(ctx context.Context, r model.Receipt) (model.Message, error) {
	row := s.pool.QueryRow(ctx, applyReceipt, r.VendorMessageID, string(r.Status), receivedAt(r))
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Message{}, fmt.Errorf("vendor message %s: %w", r.VendorMessageID, model.ErrNotFound)
		}
		return model.Message{}, fmt.Errorf("apply receipt: %w", err)
	}
	return msg, nil
}

func (s *Store) CampaignIDsForVendorMessages(ctx context.Context, vendorMessageIDs []string) ([]string, error) {
	rows, err := s.pool.Query(ctx, selectCampaignIDs, vendorMessageIDs)
	if err != nil {
		return nil, fmt.Errorf("select campaigns: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan campaigns: %w", err)
	}
	return ids, nil
}

func (s *Store) CountMessages(ctx context.Context, campaignID string) (model.MessageCounts, error) {
	var c model.MessageCounts
	if err := s.pool.QueryRow(ctx, countMessages, campaignID).Scan(&c.Total, &c.Pending, &c.Sent, &c.Failed); err != nil {
		return model.MessageCounts{}, fmt.Errorf("count messages: %w", err)
	}
	return c, nil
}

func (s *Store) CreateCampaign(ctx context.Context, c model.Campaign) error {
	customerIDs := c.CustomerIDs
	if customerIDs == nil {
		customerIDs = []string{}
	}
	_, err := s.pool.Exec(ctx, insertCampaign,
		c.ID,
		c.Title,
		c.SegmentID,
		c.OwnerID,
		c.MessageTemplate,
		customerIDs,
		c.AudienceSize,
		c.Intent,
		string(c.Status),
		c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("campaign %s: %w", c.ID, model.ErrDuplicate)
		}
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (model.Campaign, error) {
	var (
		c      model.Campaign
		status string
	)
	err := s.pool.QueryRow(ctx, selectCampaign, id).Scan(
		&c.ID, &c.Title, &c.SegmentID, &c.OwnerID, &c.MessageTemplate, &c.CustomerIDs,
		&c.AudienceSize, &c.Intent, &status, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Campaign{}, fmt.Errorf("campaign %s: %w", id, model.ErrNotFound)
		}
		return model.Campaign{}, fmt.Errorf("select campaign: %w", err)
	}
	c.Status = model.CampaignStatus(status)
	return c, nil
}

func (s *Store) AdvanceCampaignStatus(ctx context.Context, id string, status model.CampaignStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, advanceCampaign, id, string(status), status.Rank())
	if err != nil {
		return false, fmt.Errorf("advance campaign: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) GetSegment(ctx context.Context, id string) (model.Segment, error) {
	var seg model.Segment
	err := s.pool.QueryRow(ctx, selectSegment, id).Scan(&seg.ID, &seg.Name, &seg.Expression, &seg.OwnerID, &seg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Segment{}, fmt.Errorf("segment %s: %w", id, model.ErrNotFound)
		}
		return model.Segment{}, fmt.Errorf("select segment: %w", err)
	}
	return seg, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (model.Customer, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id)
	c, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Customer{}, fmt.Errorf("customer %s: %w", id, model.ErrNotFound)
		}
		return model.Customer{}, fmt.Errorf("select customer: %w", err)
	}
	return c, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]model.Customer, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select customers: %w", err)
	}
	defer rows.Close()
	var out []model.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MatchCustomers evaluates expr inside Postgres.
func (s *Store) MatchCustomers(ctx context.Context, expr segment.Expression) ([]string, error) {
	where, args := whereClause(expr)
	rows, err := s.pool.Query(ctx, `SELECT id FROM customers WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("match customers: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan customers: %w", err)
	}
	return ids, nil
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var (
		msg    model.Message
		status string
	)
	if err := row.Scan(&msg.ID, &msg.CampaignID, &msg.CustomerID, &msg.Text, &status, &msg.VendorMessageID, &msg.DeliveredAt, &msg.CreatedAt); err != nil {
		return model.Message{}, err
	}
	msg.Status = model.MessageStatus(status)
	return msg, nil
}

func scanCustomer(row pgx.Row) (model.Customer, error) {
	var c model.Customer
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.TotalSpending, &c.CountVisits, &c.LastActiveAt)
	return c, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func receivedAt(r model.Receipt) time.Time {
	if r.ReceivedAt.IsZero() {
		return time.Now().UTC()
	}
	return r.ReceivedAt
}
