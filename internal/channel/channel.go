// Copyright (c) Gabriel de Quadros Ligneul
// SPDX-License-Identifier: Apache-2.0 (see LICENSE)

// This package drives the lifecycle of payment channels: opening,
// sub-channel authorization and the three ways a channel closes.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/calindra/subrav/internal/claimer"
	"github.com/calindra/subrav/internal/identity"
	"github.com/calindra/subrav/internal/settlement"
	"github.com/calindra/subrav/internal/subrav"
	"github.com/calindra/subrav/internal/tracker"
	"github.com/ethereum/go-ethereum/common"
)

type State string

const (
	Opened                State = "opened"
	SubChannelsAuthorized State = "sub_channels_authorized"
	Active                State = "active"
	Closing               State = "closing"
	Closed                State = "closed"
)

var (
	ErrChannelClosed   = errors.New("channel: closed")
	ErrChannelClosing  = errors.New("channel: closing")
	ErrWrongState      = errors.New("channel: operation not allowed in current state")
	ErrNotPayer        = errors.New("channel: voucher not signed by the payer")
	ErrChallengeEnded  = errors.New("channel: challenge window ended")
	ErrChannelNotFound = settlement.ErrChannelNotFound
)

type Channel struct {
	ID              common.Hash
	Payer           string
	Payee           string
	Asset           string
	Epoch           uint64
	State           State
	ChallengeEndsAt time.Time
	SubChannels     []string
}

// Claimer flushes signed vouchers of a channel on-chain.
type Claimer interface {
	ClaimChannel(ctx context.Context, channelID common.Hash) (*claimer.ClaimReport, error)
}

// VoucherSink stores signed vouchers for later claims.
type VoucherSink interface {
	Save(ctx context.Context, s *subrav.SignedSubRAV) error
}

type Manager struct {
	contract settlement.Contract
	tracker  *tracker.Tracker
	claims   Claimer
	vouchers VoucherSink
	resolver identity.Resolver
	now      func() time.Time

	mu       sync.Mutex
	channels map[common.Hash]*Channel
}

func NewManager(
	contract settlement.Contract,
	tracker *tracker.Tracker,
	claims Claimer,
	vouchers VoucherSink,
	resolver identity.Resolver,
) *Manager {
	return &Manager{
		contract: contract,
		tracker:  tracker,
		claims:   claims,
		vouchers: vouchers,
		resolver: resolver,
		now:      time.Now,
		channels: make(map[common.Hash]*Channel),
	}
}

func (m *Manager) put(ch *Channel) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID] = ch
	out := *ch
	return &out
}

func (m *Manager) cached(id common.Hash) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, false
	}
	out := *ch
	out.SubChannels = append([]string(nil), ch.SubChannels...)
	return &out, true
}

func (m *Manager) update(id common.Hash, fn func(ch *Channel)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[id]; ok {
		fn(ch)
	}
}

// Open opens (payer, payee, asset) on-chain and registers its epoch.
func (m *Manager) Open(ctx context.Context, payer string, payee string, asset string) (*Channel, error) {
	id, err := m.contract.OpenChannel(ctx, payer, payee, asset)
	if err != nil {
		return nil, fmt.Errorf("channel: open: %w", err)
	}
	info, err := m.contract.Channel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("channel: open: %w", err)
	}
	if err := m.tracker.RegisterChannel(ctx, id, info.Epoch); err != nil {
		return nil, err
	}
	slog.Info("channel: opened", "channel", id.Hex(), "epoch", info.Epoch)
	return m.put(&Channel{
		ID:    id,
		Payer: info.Payer,
		Payee: info.Payee,
		Asset: info.Asset,
		Epoch: info.Epoch,
		State: Opened,
	}), nil
}

// AuthorizeSubChannel snapshots vm on-chain as a key allowed to claim.
func (m *Manager) AuthorizeSubChannel(ctx context.Context, id common.Hash, vm identity.VerificationMethod) error {
	ch, err := m.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if ch.State == Closing || ch.State == Closed {
		return fmt.Errorf("%w: authorize in %s", ErrWrongState, ch.State)
	}
	_, fragment, err := identity.SplitKeyID(vm.ID)
	if err != nil {
		return err
	}
	if err := m.contract.AuthorizeSubChannel(ctx, id, vm); err != nil {
		return fmt.Errorf("channel: authorize %s: %w", vm.ID, err)
	}
	m.update(id, func(ch *Channel) {
		if ch.State == Opened {
			ch.State = SubChannelsAuthorized
		}
		for _, f := range ch.SubChannels {
			if f == fragment {
				return
			}
		}
		ch.SubChannels = append(ch.SubChannels, fragment)
	})
	return nil
}

// Lookup returns the channel, syncing it from the contract on first sight.
func (m *Manager) Lookup(ctx context.Context, id common.Hash) (*Channel, error) {
	if ch, ok := m.cached(id); ok {
		return ch, nil
	}
	return m.Refresh(ctx, id)
}

// Refresh reloads the channel from the contract.
func (m *Manager) Refresh(ctx context.Context, id common.Hash) (*Channel, error) {
	info, err := m.contract.Channel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("channel: lookup %s: %w", id.Hex(), err)
	}
	if err := m.syncEpoch(ctx, id, info.Epoch); err != nil {
		return nil, err
	}
	ch := &Channel{
		ID:              id,
		Payer:           info.Payer,
		Payee:           info.Payee,
		Asset:           info.Asset,
		Epoch:           info.Epoch,
		ChallengeEndsAt: info.ChallengeEndsAt,
	}
	for fragment := range info.SubChannels {
		ch.SubChannels = append(ch.SubChannels, fragment)
	}
	sort.Strings(ch.SubChannels)
	prev, known := m.cached(id)
	switch info.Status {
	case settlement.StatusClosing:
		ch.State = Closing
	case settlement.StatusClosed:
		ch.State = Closed
	default:
		switch {
		case known && prev.Epoch == info.Epoch && prev.State != Closed && prev.State != Closing:
			ch.State = prev.State
		case len(ch.SubChannels) > 0:
			ch.State = SubChannelsAuthorized
		default:
			ch.State = Opened
		}
	}
	return m.put(ch), nil
}

func (m *Manager) syncEpoch(ctx context.Context, id common.Hash, epoch uint64) error {
	current, err := m.tracker.CurrentEpoch(ctx, id)
	if errors.Is(err, tracker.ErrUnknownChannel) {
		return m.tracker.RegisterChannel(ctx, id, epoch)
	}
	if err != nil {
		return err
	}
	if epoch > current {
		return m.tracker.ResetEpoch(ctx, id, epoch)
	}
	return nil
}

// Activate marks the channel as carrying payments.
func (m *Manager) Activate(id common.Hash) {
	m.update(id, func(ch *Channel) {
		if ch.State == Opened || ch.State == SubChannelsAuthorized {
			ch.State = Active
			slog.Debug("channel: active", "channel", id.Hex())
		}
	})
}

func (m *Manager) Channels() []Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, *ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out
}

func (m *Manager) openForClose(ctx context.Context, id common.Hash) (*Channel, error) {
	ch, err := m.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.State == Closed {
		return nil, fmt.Errorf("%w: %s", ErrChannelClosed, id.Hex())
	}
	return ch, nil
}

// CloseByPayee claims every outstanding voucher and closes at once.
func (m *Manager) CloseByPayee(ctx context.Context, id common.Hash) error {
	if _, err := m.openForClose(ctx, id); err != nil {
		return err
	}
	if _, err := m.claims.ClaimChannel(ctx, id); err != nil {
		return fmt.Errorf("channel: claim before close: %w", err)
	}
	if err := m.contract.CloseChannel(ctx, id, settlement.CloseImmediate); err != nil {
		return fmt.Errorf("channel: close: %w", err)
	}
	return m.settled(ctx, id)
}

// StartPayerClose starts the time-locked close; the payee may still
// submit claims until the challenge window ends.
func (m *Manager) StartPayerClose(ctx context.Context, id common.Hash) (*Channel, error) {
	ch, err := m.openForClose(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.State == Closing {
		return ch, nil
	}
	if err := m.contract.CloseChannel(ctx, id, settlement.CloseTimelocked); err != nil {
		return nil, fmt.Errorf("channel: start close: %w", err)
	}
	ch, err = m.Refresh(ctx, id)
	if err != nil {
		return nil, err
	}
	slog.Info("channel: closing", "channel", id.Hex(), "challengeEndsAt", ch.ChallengeEndsAt)
	return ch, nil
}

// SubmitDuringChallenge claims outstanding vouchers of a closing channel.
func (m *Manager) SubmitDuringChallenge(ctx context.Context, id common.Hash) (*claimer.ClaimReport, error) {
	ch, err := m.Refresh(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.State != Closing {
		return nil, fmt.Errorf("%w: %s is %s", ErrWrongState, id.Hex(), ch.State)
	}
	if !m.now().Before(ch.ChallengeEndsAt) {
		return nil, fmt.Errorf("%w: at %s", ErrChallengeEnded, ch.ChallengeEndsAt.Format(time.RFC3339))
	}
	return m.claims.ClaimChannel(ctx, id)
}

// FinalizePayerClose ends a time-locked close after the challenge window.
func (m *Manager) FinalizePayerClose(ctx context.Context, id common.Hash) error {
	ch, err := m.Refresh(ctx, id)
	if err != nil {
		return err
	}
	if ch.State != Closing {
		return fmt.Errorf("%w: %s is %s", ErrWrongState, id.Hex(), ch.State)
	}
	if err := m.contract.FinalizeClose(ctx, id); err != nil {
		return fmt.Errorf("channel: finalize close: %w", err)
	}
	return m.settled(ctx, id)
}

// CooperativeClose accepts the payer's final voucher, handed over out of
// band, claims it and closes without a challenge window.
func (m *Manager) CooperativeClose(ctx context.Context, id common.Hash, final *subrav.SignedSubRAV) error {
	ch, err := m.openForClose(ctx, id)
	if err != nil {
		return err
	}
	if final.SubRAV.ChannelID != id {
		return fmt.Errorf("%w: final voucher belongs to %s", ErrWrongState, final.SubRAV.ChannelID.Hex())
	}
	signer, err := subrav.Verify(ctx, final, m.resolver)
	if err != nil {
		return err
	}
	if signer != ch.Payer {
		return fmt.Errorf("%w: signed by %s", ErrNotPayer, signer)
	}
	key := tracker.Key{
		ChannelID:    id,
		Epoch:        final.SubRAV.ChannelEpoch,
		VmIdFragment: final.SubRAV.VmIdFragment,
	}
	last, err := m.tracker.LastConfirmed(ctx, key)
	if err != nil {
		return err
	}
	// the final voucher may be one the service already confirmed
	if final.SubRAV.Nonce != last.Nonce || final.SubRAV.Amount().Cmp(last.Amount()) != 0 {
		if _, err := m.tracker.TryAdvance(ctx, key, final.SubRAV.Nonce, final.SubRAV.Amount(), nil); err != nil {
			return fmt.Errorf("channel: final voucher: %w", err)
		}
	}
	if err := m.vouchers.Save(ctx, final); err != nil {
		return err
	}
	return m.CloseByPayee(ctx, id)
}

// Reopen opens a closed channel again under its new epoch.
func (m *Manager) Reopen(ctx context.Context, id common.Hash) (*Channel, error) {
	ch, err := m.Refresh(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.State != Closed {
		return nil, fmt.Errorf("%w: reopen %s in %s", ErrWrongState, id.Hex(), ch.State)
	}
	return m.Open(ctx, ch.Payer, ch.Payee, ch.Asset)
}

func (m *Manager) settled(ctx context.Context, id common.Hash) error {
	ch, err := m.Refresh(ctx, id)
	if err != nil {
		return err
	}
	slog.Info("channel: closed", "channel", id.Hex(), "nextEpoch", ch.Epoch)
	return nil
}
