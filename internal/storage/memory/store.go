// Package memory is a process-local implementation of the pipeline's stores.
// It enforces the same uniqueness rules as the Postgres schema.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/crm-delivery/internal/model"
)

type pairKey struct {
	campaignID string
	customerID string
}

type Store struct {
	mu sync.RWMutex

	customers     map[string]model.Customer
	customerOrder []string
	segments      map[string]model.Segment
	campaigns     map[string]model.Campaign

	messages   map[string]*model.Message
	byPair     map[pairKey]string
	byVendor   map[string]string
	byCampaign map[string][]string
}

func New() *Store {
	return &Store{
		customers:  map[string]model.Customer{},
		segments:   map[string]model.Segment{},
		campaigns:  map[string]model.Campaign{},
		messages:   map[string]*model.Message{},
		byPair:     map[pairKey]string{},
		byVendor:   map[string]string{},
		byCampaign: map[string][]string{},
	}
}

func (s *Store) PutCustomer(c model.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.customers[c.ID]; !ok {
		s.customerOrder = append(s.customerOrder, c.ID)
	}
	s.customers[c.ID] = c
}

func (s *Store) PutSegment(seg model.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[seg.ID] = seg
}

func (s *Store) GetCustomer(_ context.Context, id string) (model.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return model.Customer{}, fmt.Errorf("customer %s: %w", id, model.ErrNotFound)
	}
	return c, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]model.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Customer, 0, len(s.customerOrder))
	for _, id := range s.customerOrder {
		out = append(out, s.customers[id])
	}
	return out, nil
}

func (s *Store) GetSegment(_ context.Context, id string) (model.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.segments[id]
	if !ok {
		return model.Segment{}, fmt.Errorf("segment %s: %w", id, model.ErrNotFound)
	}
	return seg, nil
}

func (s *Store) CreateCampaign(_ context.Context, c model.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[c.ID]; ok {
		return fmt.Errorf("campaign %s: %w", c.ID, model.ErrDuplicate)
	}
	c.CustomerIDs = append([]string(nil), c.CustomerIDs...)
	s.campaigns[c.ID] = c
	return nil
}

func (s *Store) GetCampaign(_ context.Context, id string) (model.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return model.Campaign{}, fmt.Errorf("campaign %s: %w", id, model.ErrNotFound)
	}
	return c, nil
}

func (s *Store) AdvanceCampaignStatus(_ context.Context, id string, status model.CampaignStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return false, fmt.Errorf("campaign %s: %w", id, model.ErrNotFound)
	}
	if status.Rank() <= c.Status.Rank() {
		return false, nil
	}
	c.Status = status
	s.campaigns[id] = c
	return true, nil
}

func (s *Store) CreateMessage(_ context.Context, msg model.Message) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{campaignID: msg.CampaignID, customerID: msg.CustomerID}
	if _, ok := s.byPair[key]; ok {
		return model.Message{}, fmt.Errorf("message for campaign %s customer %s: %w", msg.CampaignID, msg.CustomerID, model.ErrDuplicate)
	}
	if _, ok := s.messages[msg.ID]; ok {
		return model.Message{}, fmt.Errorf("message %s: %w", msg.ID, model.ErrDuplicate)
	}
	if msg.VendorMessageID != "" {
		if _, ok := s.byVendor[msg.VendorMessageID]; ok {
			return model.Message{}, fmt.Errorf("vendor message %s: %w", msg.VendorMessageID, model.ErrDuplicate)
		}
		s.byVendor[msg.VendorMessageID] = msg.ID
	}
	stored := msg
	s.messages[msg.ID] = &stored
	s.byPair[key] = msg.ID
	s.byCampaign[msg.CampaignID] = append(s.byCampaign[msg.CampaignID], msg.ID)
	return stored, nil
}

func (s *Store) RecordSendOutcome(_ context.Context, messageID string, outcome model.SendOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
	}
	if outcome.VendorMessageID != "" && outcome.VendorMessageID != msg.VendorMessageID {
		if owner, taken := s.byVendor[outcome.VendorMessageID]; taken && owner != messageID {
			return fmt.Errorf("vendor message %s: %w", outcome.VendorMessageID, model.ErrDuplicate)
		}
		if msg.VendorMessageID != "" {
			delete(s.byVendor, msg.VendorMessageID)
		}
		s.byVendor[outcome.VendorMessageID] = messageID
		msg.VendorMessageID = outcome.VendorMessageID
	}
	msg.Status = outcome.Status
	if outcome.Text != "" {
		msg.Text = outcome.Text
	}
	if outcome.DeliveredAt != nil {
		at := *outcome.DeliveredAt
		msg.DeliveredAt = &at
	}
	return nil
}

func (s *Store) ApplyReceipts(_ context.Context, receipts []model.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range receipts {
		id, ok := s.byVendor[r.VendorMessageID]
		if !ok {
			continue
		}
		msg := s.messages[id]
		msg.Status = r.Status
		if r.Status == model.MessageSent && msg.DeliveredAt == nil {
			at := receivedAt(r)
			msg.DeliveredAt = &at
		}
	}
	return nil
}

func (s *Store) ApplyReceipt(_ context.Context, r model.Receipt) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byVendor[r.VendorMessageID]
	if !ok {
		return model.Message{}, fmt.Errorf("vendor message %s: %w", r.VendorMessageID, model.ErrNotFound)
	}
	msg := s.messages[id]
	msg.Status = r.Status
	if r.Status == model.MessageSent {
		at := receivedAt(r)
		msg.DeliveredAt = &at
	}
	return *msg, nil
}

func (s *Store) CampaignIDsForVendorMessages(_ context.Context, vendorMessageIDs []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for _, vid := range vendorMessageIDs {
		id, ok := s.byVendor[vid]
		if !ok {
			continue
		}
		cid := s.messages[id].CampaignID
		if _, dup := seen[cid]; dup {
			continue
		}
		seen[cid] = struct{}{}
		out = append(out, cid)
	}
	return out, nil
}

func (s *Store) CountMessages(_ context.Context, campaignID string) (model.MessageCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var counts model.MessageCounts
	for _, id := range s.byCampaign[campaignID] {
		counts.Total++
		switch s.messages[id].Status {
		case model.MessagePending:
			counts.Pending++
		case model.MessageSent:
			counts.Sent++
		case model.MessageFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// GetMessage returns a copy of the stored message.
func (s *Store) GetMessage(id string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return model.Message{}, false
	}
	return *msg, true
}

// Messages returns copies of a campaign's messages in creation order.
func (s *Store) Messages(campaignID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byCampaign[campaignID]
	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.messages[id])
	}
	return out
}

func receivedAt(r model.Receipt) time.Time {
	if r.ReceivedAt.IsZero() {
		return time.Now().UTC()
	}
	return r.ReceivedAt
}
