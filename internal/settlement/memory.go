package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/calindra/subrav/internal/identity"
	"github.com/calindra/subrav/internal/subrav"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const DefaultChallengePeriod = 24 * time.Hour

// Memory is an in-process settlement contract for development and tests.
// It does not authenticate callers.
type Memory struct {
	ChallengePeriod time.Duration
	Now             func() time.Time

	mu          sync.Mutex
	channels    map[common.Hash]*ChannelInfo
	unavailable bool
	txCount     uint64
}

func NewMemory() *Memory {
	return &Memory{
		ChallengePeriod: DefaultChallengePeriod,
		Now:             time.Now,
		channels:        make(map[common.Hash]*ChannelInfo),
	}
}

// SetAvailable toggles simulated outages.
func (m *Memory) SetAvailable(available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = !available
}

// ChannelIDOf is the deterministic id of the (payer, payee, asset) channel.
func ChannelIDOf(payer string, payee string, asset string) common.Hash {
	return crypto.Keccak256Hash([]byte(payer), []byte{0}, []byte(payee), []byte{0}, []byte(asset))
}

func (m *Memory) check() error {
	if m.unavailable {
		return fmt.Errorf("%w: simulated outage", ErrSettlementUnavailable)
	}
	return nil
}

func (m *Memory) channel(channelID common.Hash) (*ChannelInfo, error) {
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID.Hex())
	}
	return ch, nil
}

func (m *Memory) OpenChannel(ctx context.Context, payer string, payee string, asset string) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return common.Hash{}, err
	}
	id := ChannelIDOf(payer, payee, asset)
	ch, ok := m.channels[id]
	switch {
	case !ok:
		m.channels[id] = &ChannelInfo{
			ChannelID:   id,
			Payer:       payer,
			Payee:       payee,
			Asset:       asset,
			Status:      StatusOpen,
			SubChannels: make(map[string]SubChannelInfo),
		}
	case ch.Status == StatusClosed:
		// reopen under the epoch bumped at close
		ch.Status = StatusOpen
		ch.ChallengeEndsAt = time.Time{}
		ch.SubChannels = make(map[string]SubChannelInfo)
	}
	slog.Debug("settlement: channel open", "channel", id.Hex(), "payer", payer, "payee", payee)
	return id, nil
}

func (m *Memory) AuthorizeSubChannel(ctx context.Context, channelID common.Hash, vm identity.VerificationMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	ch, err := m.channel(channelID)
	if err != nil {
		return err
	}
	if ch.Status != StatusOpen {
		return fmt.Errorf("%w: %s", ErrChannelClosed, channelID.Hex())
	}
	did, fragment, err := identity.SplitKeyID(vm.ID)
	if err != nil {
		return err
	}
	if did != ch.Payer {
		return fmt.Errorf("%w: key %s is not controlled by payer %s", ErrInsufficientAuthorization, vm.ID, ch.Payer)
	}
	prev, ok := ch.SubChannels[fragment]
	info := SubChannelInfo{Method: vm, ClaimedAmount: new(big.Int)}
	if ok {
		// re-authorization keeps the claim progress
		info.ClaimedNonce = prev.ClaimedNonce
		info.ClaimedAmount = prev.ClaimedAmount
	}
	ch.SubChannels[fragment] = info
	return nil
}

func (m *Memory) Claim(ctx context.Context, vouchers []*subrav.SignedSubRAV) ([]ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	m.txCount++
	txHash := crypto.Keccak256Hash(new(big.Int).SetUint64(m.txCount).Bytes()).Hex()
	results := make([]ClaimResult, 0, len(vouchers))
	for _, v := range vouchers {
		result := ClaimResult{
			ChannelID:    v.SubRAV.ChannelID,
			Epoch:        v.SubRAV.ChannelEpoch,
			VmIdFragment: v.SubRAV.VmIdFragment,
			Nonce:        v.SubRAV.Nonce,
			TxHash:       txHash,
		}
		result.Paid, result.Err = m.claimOne(v)
		results = append(results, result)
	}
	return results, nil
}

func (m *Memory) claimOne(v *subrav.SignedSubRAV) (*big.Int, error) {
	ch, err := m.channel(v.SubRAV.ChannelID)
	if err != nil {
		return nil, err
	}
	if ch.Status == StatusClosed || v.SubRAV.ChannelEpoch != ch.Epoch {
		return nil, fmt.Errorf("%w: channel %s epoch %d", ErrChannelClosed, ch.ChannelID.Hex(), v.SubRAV.ChannelEpoch)
	}
	sub, ok := ch.SubChannels[v.SubRAV.VmIdFragment]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInsufficientAuthorization, v.SubRAV.VmIdFragment)
	}
	data, err := subrav.Encode(v.SubRAV)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if err := identity.VerifySignature(&sub.Method, data, v.Signature); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	amount := v.SubRAV.Amount()
	if v.SubRAV.Nonce <= sub.ClaimedNonce || amount.Cmp(sub.ClaimedAmount) < 0 {
		return nil, fmt.Errorf("%w: nonce %d, claimed %d", ErrStaleVoucher, v.SubRAV.Nonce, sub.ClaimedNonce)
	}
	paid := new(big.Int).Sub(amount, sub.ClaimedAmount)
	sub.ClaimedNonce = v.SubRAV.Nonce
	sub.ClaimedAmount = new(big.Int).Set(amount)
	ch.SubChannels[v.SubRAV.VmIdFragment] = sub
	return paid, nil
}

func (m *Memory) CloseChannel(ctx context.Context, channelID common.Hash, mode CloseMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	ch, err := m.channel(channelID)
	if err != nil {
		return err
	}
	if ch.Status == StatusClosed {
		return fmt.Errorf("%w: %s", ErrChannelClosed, channelID.Hex())
	}
	if mode == CloseImmediate {
		m.settle(ch)
		return nil
	}
	if ch.Status == StatusClosing {
		return nil
	}
	ch.Status = StatusClosing
	ch.ChallengeEndsAt = m.Now().Add(m.ChallengePeriod)
	return nil
}

func (m *Memory) FinalizeClose(ctx context.Context, channelID common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	ch, err := m.channel(channelID)
	if err != nil {
		return err
	}
	if ch.Status != StatusClosing {
		return fmt.Errorf("%w: %s is %s", ErrChannelNotClosing, channelID.Hex(), ch.Status)
	}
	if m.Now().Before(ch.ChallengeEndsAt) {
		return fmt.Errorf("%w: until %s", ErrChallengeWindowOpen, ch.ChallengeEndsAt.Format(time.RFC3339))
	}
	m.settle(ch)
	return nil
}

func (m *Memory) settle(ch *ChannelInfo) {
	ch.Status = StatusClosed
	ch.Epoch++
	slog.Debug("settlement: channel closed", "channel", ch.ChannelID.Hex(), "nextEpoch", ch.Epoch)
}

func (m *Memory) Channel(ctx context.Context, channelID common.Hash) (*ChannelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	ch, err := m.channel(channelID)
	if err != nil {
		return nil, err
	}
	out := *ch
	out.SubChannels = make(map[string]SubChannelInfo, len(ch.SubChannels))
	for k, v := range ch.SubChannels {
		v.ClaimedAmount = new(big.Int).Set(v.ClaimedAmount)
		out.SubChannels[k] = v
	}
	return &out, nil
}
