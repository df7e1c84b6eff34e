// Copyright (c) Gabriel de Quadros Ligneul
// SPDX-License-Identifier: Apache-2.0 (see LICENSE)

// This package claims signed vouchers on-chain in the background.
package claimer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/calindra/subrav/internal/commons"
	"github.com/calindra/subrav/internal/settlement"
	"github.com/calindra/subrav/internal/subrav"
	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultBatchSize  = 32
	DefaultMaxElapsed = 30 * time.Second
)

type ClaimerService struct {
	VoucherRepository *VoucherRepository
	BatchSize         int
	InitialInterval   time.Duration
	MaxElapsed        time.Duration
	settlement        settlement.Contract
}

func NewClaimService(
	voucherRepository *VoucherRepository,
	contract settlement.Contract,
) *ClaimerService {
	return &ClaimerService{
		VoucherRepository: voucherRepository,
		BatchSize:         DefaultBatchSize,
		InitialInterval:   500 * time.Millisecond,
		MaxElapsed:        DefaultMaxElapsed,
		settlement:        contract,
	}
}

type ClaimFailure struct {
	VmIdFragment string
	Nonce        uint64
	Err          error
}

type ClaimReport struct {
	ChannelID common.Hash
	Submitted int
	Claimed   int
	Paid      *big.Int
	Failures  []ClaimFailure
}

// ClaimChannel submits every unclaimed voucher of the channel in batches.
// Unavailable settlement is retried with exponential backoff; other
// failures park the rejected voucher until a newer one arrives.
func (c *ClaimerService) ClaimChannel(ctx context.Context, channelID common.Hash) (*ClaimReport, error) {
	report := &ClaimReport{ChannelID: channelID, Paid: new(big.Int)}
	vouchers, err := c.VoucherRepository.FindUnclaimed(ctx, &channelID)
	if err != nil {
		return report, err
	}
	slog.Debug("claimer: claiming channel", "channel", channelID.Hex(), "vouchers", len(vouchers))
	batchSize := max(c.BatchSize, 1)
	for start := 0; start < len(vouchers); start += batchSize {
		batch := vouchers[start:min(start+batchSize, len(vouchers))]
		if err := c.claimBatch(ctx, batch, report); err != nil {
			return report, err
		}
	}
	if report.Submitted > 0 {
		slog.Info("claimer: channel claimed",
			"channel", channelID.Hex(),
			"claimed", report.Claimed,
			"failed", len(report.Failures),
			"paid", report.Paid,
		)
	}
	return report, nil
}

func (c *ClaimerService) claimBatch(ctx context.Context, batch []SignedVoucher, report *ClaimReport) error {
	signed := make([]*subrav.SignedSubRAV, len(batch))
	for i, v := range batch {
		signed[i] = v.Signed
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.InitialInterval
	results, err := backoff.Retry(ctx, func() ([]settlement.ClaimResult, error) {
		results, err := c.settlement.Claim(ctx, signed)
		if err != nil && !settlement.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			slog.Warn("claimer: settlement unavailable, retrying", "error", err)
		}
		return results, err
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(c.MaxElapsed))
	if err != nil {
		return fmt.Errorf("claimer: claim batch: %w", err)
	}
	report.Submitted += len(batch)
	return commons.WithTransaction(ctx, c.VoucherRepository.Db, func(txCtx context.Context) error {
		for _, result := range results {
			if result.Err != nil {
				report.Failures = append(report.Failures, ClaimFailure{
					VmIdFragment: result.VmIdFragment,
					Nonce:        result.Nonce,
					Err:          result.Err,
				})
				if errors.Is(result.Err, settlement.ErrInsufficientAuthorization) {
					slog.Error("claimer: sub-channel not authorized",
						"channel", result.ChannelID.Hex(),
						"vm", result.VmIdFragment,
						"nonce", result.Nonce,
					)
				} else {
					slog.Error("claimer: voucher rejected", "channel", result.ChannelID.Hex(),
						"vm", result.VmIdFragment, "error", result.Err)
				}
				if err := c.VoucherRepository.MarkFailed(txCtx, result.ChannelID, result.Epoch,
					result.VmIdFragment, result.Nonce, result.Err.Error()); err != nil {
					return err
				}
				continue
			}
			amount := amountOf(batch, result)
			if err := c.VoucherRepository.MarkClaimed(txCtx, result.ChannelID, result.Epoch,
				result.VmIdFragment, result.Nonce, amount); err != nil {
				return err
			}
			report.Claimed++
			if result.Paid != nil {
				report.Paid.Add(report.Paid, result.Paid)
			}
		}
		return nil
	})
}

func amountOf(batch []SignedVoucher, result settlement.ClaimResult) *big.Int {
	for _, v := range batch {
		r := v.Signed.SubRAV
		if r.ChannelID == result.ChannelID && r.ChannelEpoch == result.Epoch &&
			r.VmIdFragment == result.VmIdFragment && r.Nonce == result.Nonce {
			return r.Amount()
		}
	}
	return new(big.Int)
}

// UnclaimedByChannel sums the unclaimed amount of every channel.
func (c *ClaimerService) UnclaimedByChannel(ctx context.Context) (map[common.Hash]*big.Int, error) {
	vouchers, err := c.VoucherRepository.FindUnclaimed(ctx, nil)
	if err != nil {
		return nil, err
	}
	totals := make(map[common.Hash]*big.Int)
	for _, v := range vouchers {
		id := v.Signed.SubRAV.ChannelID
		if totals[id] == nil {
			totals[id] = new(big.Int)
		}
		totals[id].Add(totals[id], v.Unclaimed())
	}
	return totals, nil
}
