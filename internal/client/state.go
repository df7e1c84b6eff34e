// Copyright (c) Gabriel de Quadros Ligneul
// SPDX-License-Identifier: Apache-2.0 (see LICENSE)

// This package is the payer side of the payment channel. It keeps the
// proposal issued by the service, signs it on the next request and
// resynchronizes with the service when their views drift apart.
package client

import (
	"errors"
	"fmt"
	"math/big"
	"slices"

	"github.com/calindra/subrav/internal/subrav"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrIllegalTransition = errors.New("client: illegal state transition")
	ErrInvalidProposal   = errors.New("client: invalid proposal")
	ErrRecoveryFailed    = errors.New("client: recovery failed")
	ErrChannelClosed     = errors.New("client: channel closed")
)

type State string

const (
	NoChannel       State = "no_channel"
	ProposalPending State = "proposal_pending"
	ProposalSigned  State = "proposal_signed"
	Confirmed       State = "confirmed"
	Recovering      State = "recovering"
)

var transitions = map[State][]State{
	NoChannel:       {ProposalPending, Recovering},
	ProposalPending: {ProposalSigned, Recovering},
	ProposalSigned:  {Confirmed, ProposalPending, Recovering},
	Confirmed:       {ProposalPending, Recovering},
	Recovering:      {NoChannel, ProposalPending, Confirmed},
}

// Record is what the client remembers about one sub-channel.
type Record struct {
	ChannelID    common.Hash
	VmIdFragment string
	State        State
	Epoch        uint64
	// Pending is the proposal waiting for a signature.
	Pending      *subrav.SubRAV
	SignedNonce  uint64
	SignedAmount *big.Int
}

func newRecord(channelID common.Hash, fragment string) *Record {
	return &Record{
		ChannelID:    channelID,
		VmIdFragment: fragment,
		State:        NoChannel,
		SignedAmount: new(big.Int),
	}
}

// Transition moves the record to state to, refusing moves the state
// machine does not allow. Staying in the same state is always allowed.
func (r *Record) Transition(to State) error {
	if r.State == to {
		return nil
	}
	if !slices.Contains(transitions[r.State], to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.State, to)
	}
	r.State = to
	return nil
}

// Validate checks that proposal belongs to the sub-channel and moves it
// forward from what was last signed.
func (r *Record) Validate(chainID uint64, proposal subrav.SubRAV) error {
	switch {
	case proposal.ChainID != chainID:
		return fmt.Errorf("%w: chain %d", ErrInvalidProposal, proposal.ChainID)
	case proposal.ChannelID != r.ChannelID || proposal.VmIdFragment != r.VmIdFragment:
		return fmt.Errorf("%w: addressed to %s#%s", ErrInvalidProposal,
			proposal.ChannelID.Hex(), proposal.VmIdFragment)
	case proposal.ChannelEpoch < r.Epoch:
		return fmt.Errorf("%w: epoch %d behind %d", ErrInvalidProposal, proposal.ChannelEpoch, r.Epoch)
	case proposal.ChannelEpoch == r.Epoch && proposal.Nonce <= r.SignedNonce:
		return fmt.Errorf("%w: nonce %d not after %d", ErrInvalidProposal, proposal.Nonce, r.SignedNonce)
	case proposal.ChannelEpoch == r.Epoch && proposal.Amount().Cmp(r.signedAmount()) < 0:
		return fmt.Errorf("%w: amount %s below %s", ErrInvalidProposal, proposal.Amount(), r.signedAmount())
	}
	return nil
}

func (r *Record) signedAmount() *big.Int {
	if r.SignedAmount == nil {
		return new(big.Int)
	}
	return r.SignedAmount
}
