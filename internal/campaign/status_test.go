package campaign

import (
	"testing"

	"github.com/example/crm-delivery/internal/model"
)

func TestNextStatus(t *testing.T) {
	cases := []struct {
		name    string
		current model.CampaignStatus
		counts  model.MessageCounts
		want    model.CampaignStatus
	}{
		{"nothing done", model.CampaignPending, model.MessageCounts{Total: 3, Pending: 3}, model.CampaignPending},
		{"some done", model.CampaignPending, model.MessageCounts{Total: 3, Pending: 1, Sent: 1, Failed: 1}, model.CampaignInProgress},
		{"all done", model.CampaignPending, model.MessageCounts{Total: 3, Sent: 2, Failed: 1}, model.CampaignCompleted},
		{"all done from in-progress", model.CampaignInProgress, model.MessageCounts{Total: 2, Sent: 2}, model.CampaignCompleted},
		{"completed never regresses", model.CampaignCompleted, model.MessageCounts{Total: 3, Pending: 2, Sent: 1}, model.CampaignCompleted},
		{"completed stays with nothing done", model.CampaignCompleted, model.MessageCounts{Total: 3, Pending: 3}, model.CampaignCompleted},
		{"empty campaign", model.CampaignPending, model.MessageCounts{}, model.CampaignPending},
	}

	for _, tc := range cases {
		if got := NextStatus(tc.current, tc.counts); got != tc.want {
			t.Fatalf("%s: NextStatus(%s, %+v)=%s, expected %s", tc.name, tc.current, tc.counts, got, tc.want)
		}
	}
}
