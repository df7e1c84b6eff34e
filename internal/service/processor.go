// Copyright (c) Gabriel de Quadros Ligneul
// SPDX-License-Identifier: Apache-2.0 (see LICENSE)

// This package is the payee side of the payment channel: it verifies the
// voucher carried by a priced request, advances the tracker and issues
// the proposal for the next request.
package service

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"

	"github.com/calindra/subrav/internal/billing"
	"github.com/calindra/subrav/internal/channel"
	"github.com/calindra/subrav/internal/identity"
	"github.com/calindra/subrav/internal/payment"
	"github.com/calindra/subrav/internal/subrav"
	"github.com/calindra/subrav/internal/tracker"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ChannelDirectory tells the processor which channels exist.
type ChannelDirectory interface {
	Lookup(ctx context.Context, channelID common.Hash) (*channel.Channel, error)
	Activate(channelID common.Hash)
}

// VoucherSink receives every accepted signed voucher for later claims.
type VoucherSink interface {
	Save(ctx context.Context, s *subrav.SignedSubRAV) error
}

// ClaimTrigger asks for an immediate claim of a channel.
type ClaimTrigger interface {
	Trigger(channelID common.Hash) bool
}

type Config struct {
	ChainID uint64
	// MaxAmountPerRequest bounds the delta of a single voucher; nil is
	// unbounded.
	MaxAmountPerRequest *big.Int
}

type Processor struct {
	Config    Config
	Registry  *billing.Registry
	Tracker   *tracker.Tracker
	Channels  ChannelDirectory
	Resolver  identity.Resolver
	Proposals ProposalStore
	Vouchers  VoucherSink
	// Claims is optional.
	Claims ClaimTrigger

	mu       sync.Mutex
	inFlight map[subChannel]struct{}
}

type subChannel struct {
	channelID common.Hash
	fragment  string
}

// Session is the payment state of one priced request.
type Session struct {
	Operation    string
	Strategy     billing.Strategy
	ClientTxRef  string
	ServiceTxRef string

	p         *Processor
	key       tracker.Key
	last      tracker.Entry
	maxAmount *big.Int
	proposed  bool
	ended     bool
}

// Begin validates the payment header of a request to operation. It
// returns a nil session when the operation is free. Errors are always
// *payment.Error.
func (p *Processor) Begin(ctx context.Context, operation string, header string) (*Session, error) {
	strategy, ok := p.Registry.Lookup(operation)
	if !ok {
		return nil, nil
	}
	if header == "" {
		return nil, payment.Errorf(payment.CodePaymentRequired, "missing %s header", payment.HeaderName)
	}
	req, err := payment.DecodeRequest(header)
	if err != nil {
		return nil, payment.FromError(err)
	}
	channelID, fragment, err := req.SubChannel()
	if err != nil {
		return nil, payment.FromError(err)
	}
	maxAmount, err := req.MaxAmountValue()
	if err != nil {
		return nil, payment.FromError(err)
	}
	ch, err := p.Channels.Lookup(ctx, channelID)
	if errors.Is(err, channel.ErrChannelNotFound) {
		return nil, payment.NewError(payment.CodeChannelNotFound, err)
	}
	if err != nil {
		return nil, payment.FromError(err)
	}
	if ch.State == channel.Closed {
		return nil, payment.Errorf(payment.CodeChannelClosed, "channel %s is closed", channelID.Hex())
	}

	// A sub-channel serves one priced request at a time, until the request
	// has stored the proposal for the next one.
	if !p.lease(channelID, fragment) {
		return nil, payment.Errorf(payment.CodeSubChannelBusy, "sub-channel %s has a request in flight",
			identity.KeyID(channelID.Hex(), fragment))
	}
	session, err := p.open(ctx, ch, req, strategy, operation, fragment, maxAmount)
	if err != nil {
		p.release(channelID, fragment)
		return nil, err
	}
	return session, nil
}

func (p *Processor) open(
	ctx context.Context,
	ch *channel.Channel,
	req *payment.RequestPayload,
	strategy billing.Strategy,
	operation string,
	fragment string,
	maxAmount *big.Int,
) (*Session, error) {
	channelID := ch.ID
	key := tracker.Key{ChannelID: channelID, Epoch: ch.Epoch, VmIdFragment: fragment}
	if req.SignedSubRAV != nil {
		if err := p.accept(ctx, ch, key, req.SignedSubRAV); err != nil {
			return nil, err
		}
	} else if err := p.checkOutstanding(ctx, key); err != nil {
		return nil, err
	}
	if ch.State == channel.Closing {
		if p.Claims != nil {
			p.Claims.Trigger(channelID)
		}
		return nil, payment.Errorf(payment.CodeChannelClosed, "channel %s is closing", channelID.Hex())
	}

	last, err := p.Tracker.LastConfirmed(ctx, key)
	if err != nil {
		return nil, payment.FromError(err)
	}
	return &Session{
		Operation:    operation,
		Strategy:     strategy,
		ClientTxRef:  req.ClientTxRef,
		ServiceTxRef: uuid.NewString(),
		p:            p,
		key:          key,
		last:         last,
		maxAmount:    maxAmount,
	}, nil
}

func (p *Processor) lease(channelID common.Hash, fragment string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight == nil {
		p.inFlight = make(map[subChannel]struct{})
	}
	k := subChannel{channelID: channelID, fragment: fragment}
	if _, busy := p.inFlight[k]; busy {
		return false
	}
	p.inFlight[k] = struct{}{}
	return true
}

func (p *Processor) release(channelID common.Hash, fragment string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, subChannel{channelID: channelID, fragment: fragment})
}

// accept verifies the signed voucher and advances the tracker with it.
func (p *Processor) accept(ctx context.Context, ch *channel.Channel, key tracker.Key, wire *payment.WireSignedSubRAV) error {
	signed, err := payment.DecodeSigned(wire)
	if err != nil {
		return payment.FromError(err)
	}
	r := signed.SubRAV
	if r.ChainID != p.Config.ChainID {
		return payment.Errorf(payment.CodeVerificationFailed, "voucher for chain %d, service on chain %d",
			r.ChainID, p.Config.ChainID)
	}
	did, err := subrav.Verify(ctx, signed, p.Resolver)
	if err != nil {
		slog.Warn("service: voucher verification failed", "channel", key.ChannelID.Hex(),
			"vm", key.VmIdFragment, "error", err)
		return payment.FromError(err)
	}
	if did != ch.Payer {
		slog.Warn("service: voucher not signed by payer", "channel", key.ChannelID.Hex(), "signer", did)
		return payment.Errorf(payment.CodeVerificationFailed, "signer %s is not the payer of the channel", did)
	}
	outstanding, err := p.Proposals.Get(ctx, key.ChannelID, key.VmIdFragment)
	if err != nil {
		return payment.FromError(err)
	}
	if outstanding != nil && outstanding.ChannelEpoch == key.Epoch && !outstanding.Equal(r) {
		return payment.Errorf(payment.CodeProposalMismatch, "signed %s, outstanding %s", r, outstanding)
	}
	advanceKey := tracker.Key{ChannelID: r.ChannelID, Epoch: r.ChannelEpoch, VmIdFragment: r.VmIdFragment}
	delta, err := p.Tracker.TryAdvance(ctx, advanceKey, r.Nonce, r.Amount(), p.Config.MaxAmountPerRequest)
	if err != nil {
		slog.Warn("service: voucher rejected", "key", advanceKey.String(), "nonce", r.Nonce, "error", err)
		return payment.FromError(err)
	}
	p.Channels.Activate(key.ChannelID)
	if err := p.Vouchers.Save(ctx, signed); err != nil {
		slog.Error("service: failed to queue voucher for claim", "key", advanceKey.String(),
			"nonce", r.Nonce, "error", err)
		return payment.NewError(payment.CodeInternal, err)
	}
	if err := p.Proposals.Delete(ctx, key.ChannelID, key.VmIdFragment); err != nil {
		return payment.FromError(err)
	}
	slog.Debug("service: voucher accepted", "key", advanceKey.String(), "nonce", r.Nonce, "delta", delta)
	return nil
}

// checkOutstanding refuses an unsigned request while the client owes a
// signature for a proposal of the current epoch.
func (p *Processor) checkOutstanding(ctx context.Context, key tracker.Key) error {
	outstanding, err := p.Proposals.Get(ctx, key.ChannelID, key.VmIdFragment)
	if err != nil {
		return payment.FromError(err)
	}
	if outstanding == nil {
		return nil
	}
	if outstanding.ChannelEpoch != key.Epoch {
		if err := p.Proposals.Delete(ctx, key.ChannelID, key.VmIdFragment); err != nil {
			return payment.FromError(err)
		}
		return nil
	}
	return payment.Errorf(payment.CodePaymentRequired, "proposal %d is waiting for a signature", outstanding.Nonce)
}

// End frees the sub-channel for the next request. Propose ends the
// session once the next proposal is stored; End is safe to call again.
func (s *Session) End() {
	if s.ended {
		return
	}
	s.ended = true
	s.p.release(s.key.ChannelID, s.key.VmIdFragment)
}

// Deferred reports whether the charge waits for the handler's usage.
func (s *Session) Deferred() bool {
	return s.Strategy.Deferred()
}

// Propose computes the charge of the request, stores the next proposal
// and returns the payload for the client. A usage the strategy cannot
// charge yields a zero charge.
func (s *Session) Propose(ctx context.Context, usage billing.Usage) (*payment.ResponsePayload, error) {
	if s.proposed {
		return nil, errors.New("service: session already proposed")
	}
	defer s.End()
	charge, err := s.Strategy.ComputeCharge(usage)
	amount := charge.Amount
	switch {
	case err != nil:
		slog.Warn("service: usage not chargeable", "operation", s.Operation, "error", err)
		amount = new(big.Int)
	case charge.Pending:
		slog.Warn("service: handler reported no usage", "operation", s.Operation)
		amount = new(big.Int)
	}
	amount = s.clamp(amount)
	template := subrav.SubRAV{
		ChainID:      s.p.Config.ChainID,
		ChannelID:    s.key.ChannelID,
		ChannelEpoch: s.key.Epoch,
		VmIdFragment: s.key.VmIdFragment,
	}
	proposal := billing.Propose(template, s.last, amount)
	if err := s.p.Proposals.Put(ctx, proposal); err != nil {
		return nil, err
	}
	encoded, err := subrav.ToHex(proposal)
	if err != nil {
		return nil, err
	}
	s.proposed = true
	slog.Debug("service: proposal issued", "key", s.key.String(), "nonce", proposal.Nonce, "cost", amount)
	return &payment.ResponsePayload{
		Version:      payment.PayloadVersion,
		ClientTxRef:  s.ClientTxRef,
		ServiceTxRef: s.ServiceTxRef,
		SubRAV:       encoded,
		Cost:         amount.String(),
	}, nil
}

// clamp limits a charge to the client's cap and to the per request bound,
// so the resulting voucher is acceptable.
func (s *Session) clamp(amount *big.Int) *big.Int {
	for _, limit := range []*big.Int{s.maxAmount, s.p.Config.MaxAmountPerRequest} {
		if limit != nil && amount.Cmp(limit) > 0 {
			slog.Warn("service: charge clamped", "operation", s.Operation, "charge", amount, "limit", limit)
			amount = new(big.Int).Set(limit)
		}
	}
	return amount
}

type RecoveryState struct {
	ChainID         uint64 `json:"chainId"`
	ChannelID       string `json:"channelId"`
	Epoch           uint64 `json:"epoch"`
	VmIdFragment    string `json:"vmIdFragment"`
	ConfirmedNonce  uint64 `json:"confirmedNonce"`
	ConfirmedAmount string `json:"confirmedAmount"`
	PendingSubRAV   string `json:"pendingSubRav,omitempty"`
	ChannelState    string `json:"channelState"`
}

// Recover reports the confirmed state of a sub-channel and its
// outstanding proposal, if any.
func (p *Processor) Recover(ctx context.Context, channelID common.Hash, fragment string) (*RecoveryState, error) {
	ch, err := p.Channels.Lookup(ctx, channelID)
	if errors.Is(err, channel.ErrChannelNotFound) {
		return nil, payment.NewError(payment.CodeChannelNotFound, err)
	}
	if err != nil {
		return nil, payment.FromError(err)
	}
	key := tracker.Key{ChannelID: channelID, Epoch: ch.Epoch, VmIdFragment: fragment}
	last, err := p.Tracker.LastConfirmed(ctx, key)
	if err != nil {
		return nil, payment.FromError(err)
	}
	state := &RecoveryState{
		ChainID:         p.Config.ChainID,
		ChannelID:       channelID.Hex(),
		Epoch:           ch.Epoch,
		VmIdFragment:    fragment,
		ConfirmedNonce:  last.Nonce,
		ConfirmedAmount: last.Amount().String(),
		ChannelState:    string(ch.State),
	}
	pending, err := p.Proposals.Get(ctx, channelID, fragment)
	if err != nil {
		return nil, payment.FromError(err)
	}
	if pending != nil && pending.ChannelEpoch == ch.Epoch {
		if state.PendingSubRAV, err = subrav.ToHex(*pending); err != nil {
			return nil, payment.FromError(err)
		}
	}
	return state, nil
}
