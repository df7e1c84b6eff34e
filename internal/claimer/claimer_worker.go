package claimer

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultClaimInterval = time.Minute
	triggerQueueSize     = 64
)

// ChannelStatus is the admin view of claim activity on one channel.
type ChannelStatus struct {
	ChannelID       string    `json:"channelId"`
	Queued          bool      `json:"queued"`
	InFlight        bool      `json:"inFlight"`
	Attempts        int       `json:"attempts"`
	ClaimedVouchers int       `json:"claimedVouchers"`
	FailedVouchers  int       `json:"failedVouchers"`
	TotalPaid       string    `json:"totalPaid"`
	LastAttempt     time.Time `json:"lastAttempt,omitempty"`
	LastSuccess     time.Time `json:"lastSuccess,omitempty"`
	LastError       string    `json:"lastError,omitempty"`
}

type channelState struct {
	status ChannelStatus
	paid   *big.Int
}

// ClaimerWorker claims periodically and on demand. It never blocks
// callers: Trigger only enqueues.
type ClaimerWorker struct {
	ClaimerService *ClaimerService
	Interval       time.Duration
	MinClaimAmount *big.Int

	queue chan common.Hash
	mu    sync.Mutex
	state map[common.Hash]*channelState
}

func NewClaimerWorker(
	claimerService *ClaimerService,
	interval time.Duration,
	minClaimAmount *big.Int,
) *ClaimerWorker {
	if interval <= 0 {
		interval = DefaultClaimInterval
	}
	if minClaimAmount == nil {
		minClaimAmount = new(big.Int)
	}
	return &ClaimerWorker{
		ClaimerService: claimerService,
		Interval:       interval,
		MinClaimAmount: minClaimAmount,
		queue:          make(chan common.Hash, triggerQueueSize),
		state:          make(map[common.Hash]*channelState),
	}
}

func (c *ClaimerWorker) String() string {
	return "claimer_worker"
}

func (c *ClaimerWorker) Start(ctx context.Context, ready chan<- struct{}) error {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	slog.Info("claimer: started", "interval", c.Interval, "minClaimAmount", c.MinClaimAmount)
	ready <- struct{}{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case channelID := <-c.queue:
			c.claim(ctx, channelID)
		case <-ticker.C:
			c.scan(ctx)
		}
	}
}

// Trigger schedules a claim of channelID. Triggering a channel that is
// already queued is a no-op. It reports whether a new claim was queued.
func (c *ClaimerWorker) Trigger(channelID common.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateOf(channelID)
	if st.status.Queued {
		return false
	}
	select {
	case c.queue <- channelID:
		st.status.Queued = true
		return true
	default:
		slog.Warn("claimer: trigger queue full", "channel", channelID.Hex())
		return false
	}
}

func (c *ClaimerWorker) stateOf(channelID common.Hash) *channelState {
	st, ok := c.state[channelID]
	if !ok {
		st = &channelState{
			status: ChannelStatus{ChannelID: channelID.Hex(), TotalPaid: "0"},
			paid:   new(big.Int),
		}
		c.state[channelID] = st
	}
	return st
}

func (c *ClaimerWorker) scan(ctx context.Context) {
	totals, err := c.ClaimerService.UnclaimedByChannel(ctx)
	if err != nil {
		slog.Error("claimer: scan failed", "error", err)
		return
	}
	for channelID, unclaimed := range totals {
		if unclaimed.Sign() > 0 && unclaimed.Cmp(c.MinClaimAmount) >= 0 {
			c.claim(ctx, channelID)
		}
	}
}

func (c *ClaimerWorker) claim(ctx context.Context, channelID common.Hash) {
	c.mu.Lock()
	st := c.stateOf(channelID)
	st.status.Queued = false
	st.status.InFlight = true
	st.status.Attempts++
	st.status.LastAttempt = time.Now()
	c.mu.Unlock()

	report, err := c.ClaimerService.ClaimChannel(ctx, channelID)

	c.mu.Lock()
	defer c.mu.Unlock()
	st.status.InFlight = false
	if report != nil {
		st.status.ClaimedVouchers += report.Claimed
		st.status.FailedVouchers += len(report.Failures)
		st.paid.Add(st.paid, report.Paid)
		st.status.TotalPaid = st.paid.String()
	}
	switch {
	case err != nil:
		st.status.LastError = err.Error()
		slog.Error("claimer: claim failed", "channel", channelID.Hex(), "error", err)
	case report != nil && len(report.Failures) > 0:
		st.status.LastError = report.Failures[len(report.Failures)-1].Err.Error()
	default:
		st.status.LastError = ""
		st.status.LastSuccess = time.Now()
	}
}

// Status lists the claim status of every channel seen so far.
func (c *ClaimerWorker) Status() []ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChannelStatus, 0, len(c.state))
	for _, st := range c.state {
		out = append(out, st.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

func (c *ClaimerWorker) ChannelStatus(channelID common.Hash) (ChannelStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[channelID]
	if !ok {
		return ChannelStatus{}, false
	}
	return st.status, true
}
