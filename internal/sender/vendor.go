package sender

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

type DispatchRequest struct {
	MessageID  string
	CustomerID string
	Text       string
}

type DispatchResult struct {
	Success         bool
	VendorMessageID string
}

// VendorClient hands one personalized message to the delivery vendor. An
// error means the outcome is unknown; the worker records it as FAILED.
type VendorClient interface {
	Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error)
}

// SimulatedVendor succeeds with probability SuccessRate after a latency drawn
// uniformly from [MinLatency, MaxLatency].
type SimulatedVendor struct {
	SuccessRate float64
	MinLatency  time.Duration
	MaxLatency  time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSimulatedVendor(successRate float64, minLatency, maxLatency time.Duration, seed int64) *SimulatedVendor {
	if maxLatency < minLatency {
		maxLatency = minLatency
	}
	return &SimulatedVendor{
		SuccessRate: successRate,
		MinLatency:  minLatency,
		MaxLatency:  maxLatency,
		rnd:         rand.New(rand.NewSource(seed)),
	}
}

func (v *SimulatedVendor) Dispatch(ctx context.Context, _ DispatchRequest) (DispatchResult, error) {
	v.mu.Lock()
	latency := v.MinLatency
	if spread := v.MaxLatency - v.MinLatency; spread > 0 {
		latency += time.Duration(v.rnd.Int63n(int64(spread)))
	}
	success := v.rnd.Float64() < v.SuccessRate
	v.mu.Unlock()

	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return DispatchResult{}, ctx.Err()
	case <-timer.C:
	}
	return DispatchResult{Success: success, VendorMessageID: "vendor-" + uuid.NewString()}, nil
}
