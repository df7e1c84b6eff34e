// Copyright (c) Gabriel de Quadros Ligneul
// SPDX-License-Identifier: Apache-2.0 (see LICENSE)

// This package talks to the on-chain payment channel contract.
package settlement

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/calindra/subrav/internal/identity"
	"github.com/calindra/subrav/internal/subrav"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrChannelNotFound           = errors.New("settlement: channel not found")
	ErrChannelClosed             = errors.New("settlement: channel closed")
	ErrChannelNotClosing         = errors.New("settlement: channel is not closing")
	ErrChallengeWindowOpen       = errors.New("settlement: challenge window still open")
	ErrInsufficientAuthorization = errors.New("settlement: sub-channel not authorized")
	ErrSettlementUnavailable     = errors.New("settlement: unavailable")
	ErrStaleVoucher              = errors.New("settlement: voucher older than last claim")
	ErrInvalidSignature          = errors.New("settlement: invalid voucher signature")
	ErrTransactionReverted       = errors.New("settlement: transaction reverted")
)

type Status uint8

const (
	StatusOpen Status = iota
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type CloseMode int

const (
	// Payee close, settles at once.
	CloseImmediate CloseMode = iota
	// Payer close, opens a challenge window first.
	CloseTimelocked
)

// SubChannelInfo is the authorization snapshot of a sub-channel: the key
// recorded at authorization time plus what has been claimed so far.
type SubChannelInfo struct {
	Method        identity.VerificationMethod
	ClaimedNonce  uint64
	ClaimedAmount *big.Int
}

type ChannelInfo struct {
	ChannelID       common.Hash
	Payer           string
	Payee           string
	Asset           string
	Epoch           uint64
	Status          Status
	ChallengeEndsAt time.Time
	SubChannels     map[string]SubChannelInfo
}

// ClaimResult reports one voucher of a claim batch. Err is set when the
// contract rejected that voucher.
type ClaimResult struct {
	ChannelID    common.Hash
	Epoch        uint64
	VmIdFragment string
	Nonce        uint64
	Paid         *big.Int
	TxHash       string
	Err          error
}

// Contract is the settlement contract capability.
type Contract interface {
	OpenChannel(ctx context.Context, payer string, payee string, asset string) (common.Hash, error)
	AuthorizeSubChannel(ctx context.Context, channelID common.Hash, vm identity.VerificationMethod) error
	// Claim submits vouchers. The returned error covers the whole batch;
	// per voucher rejections are reported in the results.
	Claim(ctx context.Context, vouchers []*subrav.SignedSubRAV) ([]ClaimResult, error)
	CloseChannel(ctx context.Context, channelID common.Hash, mode CloseMode) error
	FinalizeClose(ctx context.Context, channelID common.Hash) error
	Channel(ctx context.Context, channelID common.Hash) (*ChannelInfo, error)
}

// IsRetryable reports whether a claim error may succeed later unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSettlementUnavailable)
}
