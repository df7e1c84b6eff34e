// Copyright (c) Gabriel de Quadros Ligneul
// SPDX-License-Identifier: Apache-2.0 (see LICENSE)

// This package contains the SubRAV voucher, its canonical binary codec and
// the signing and verification of vouchers.
package subrav

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Protocol version carried by every voucher produced by this package.
const ProtocolVersion uint8 = 1

// MaxFragmentLength bounds the verification method fragment in bytes.
const MaxFragmentLength = 128

// SubRAV is a sub-channel receipt-and-voucher: the payer's cumulative
// commitment for one sub-channel of a channel at a given epoch.
type SubRAV struct {
	Version           uint8
	ChainID           uint64
	ChannelID         common.Hash
	ChannelEpoch      uint64
	VmIdFragment      string
	AccumulatedAmount *big.Int
	Nonce             uint64
}

// SignedSubRAV is a voucher plus the payer's signature over its encoding.
// KeyID has the form "<did>#<fragment>".
type SignedSubRAV struct {
	SubRAV    SubRAV
	Signature []byte
	KeyID     string
}

// Amount returns the accumulated amount, treating nil as zero.
func (r SubRAV) Amount() *big.Int {
	if r.AccumulatedAmount == nil {
		return new(big.Int)
	}
	return r.AccumulatedAmount
}

// SameSubChannel reports whether both vouchers address the same
// chain, channel, epoch and sub-channel.
func (r SubRAV) SameSubChannel(other SubRAV) bool {
	return r.ChainID == other.ChainID &&
		r.ChannelID == other.ChannelID &&
		r.ChannelEpoch == other.ChannelEpoch &&
		r.VmIdFragment == other.VmIdFragment
}

// Equal compares every field, amounts by value.
func (r SubRAV) Equal(other SubRAV) bool {
	return r.Version == other.Version &&
		r.SameSubChannel(other) &&
		r.Nonce == other.Nonce &&
		r.Amount().Cmp(other.Amount()) == 0
}

func (r SubRAV) String() string {
	return fmt.Sprintf("SubRAV{chain=%d channel=%s epoch=%d vm=%s nonce=%d amount=%s}",
		r.ChainID, r.ChannelID.Hex(), r.ChannelEpoch, r.VmIdFragment, r.Nonce, r.Amount())
}
