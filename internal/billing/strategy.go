// Copyright (c) Gabriel de Quadros Ligneul
// SPDX-License-Identifier: Apache-2.0 (see LICENSE)

// This package computes the charge of an operation and builds the next
// voucher proposal from it.
package billing

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrUnknownStrategy = errors.New("billing: unknown strategy")
	ErrInvalidPrice    = errors.New("billing: price must be a non-negative integer")
	ErrInvalidUsage    = errors.New("billing: invalid usage")
)

type Kind string

const (
	// Fixed price, known before the handler runs.
	PerRequest Kind = "per_request"
	// Price times the units the handler reports.
	PerUnit Kind = "per_unit"
	// The handler reports the final cost itself.
	FinalCost Kind = "final_cost"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case PerRequest, PerUnit, FinalCost:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

type Strategy struct {
	Kind  Kind
	Price *big.Int
	// Unit names what PerUnit counts, for logs only.
	Unit string
}

func (s Strategy) Validate() error {
	if _, err := ParseKind(string(s.Kind)); err != nil {
		return err
	}
	if s.Kind == FinalCost {
		return nil
	}
	if s.Price == nil || s.Price.Sign() < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidPrice, s.Price)
	}
	return nil
}

// Deferred reports whether the charge is only known after the handler ran.
func (s Strategy) Deferred() bool {
	return s.Kind != PerRequest
}

// Usage is what a handler reports after execution. Nil fields are unknown.
type Usage struct {
	Units *big.Int
	Cost  *big.Int
}

type Charge struct {
	Amount  *big.Int
	Pending bool
}

// ComputeCharge returns the charge for usage, or a pending charge when
// the strategy still waits for usage.
func (s Strategy) ComputeCharge(usage Usage) (Charge, error) {
	switch s.Kind {
	case PerRequest:
		if s.Price == nil || s.Price.Sign() < 0 {
			return Charge{}, ErrInvalidPrice
		}
		return Charge{Amount: new(big.Int).Set(s.Price)}, nil
	case PerUnit:
		if usage.Units == nil {
			return Charge{Pending: true}, nil
		}
		if usage.Units.Sign() < 0 {
			return Charge{}, fmt.Errorf("%w: negative units %s", ErrInvalidUsage, usage.Units)
		}
		if s.Price == nil || s.Price.Sign() < 0 {
			return Charge{}, ErrInvalidPrice
		}
		return Charge{Amount: new(big.Int).Mul(s.Price, usage.Units)}, nil
	case FinalCost:
		if usage.Cost == nil {
			return Charge{Pending: true}, nil
		}
		if usage.Cost.Sign() < 0 {
			return Charge{}, fmt.Errorf("%w: negative cost %s", ErrInvalidUsage, usage.Cost)
		}
		return Charge{Amount: new(big.Int).Set(usage.Cost)}, nil
	default:
		return Charge{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, s.Kind)
	}
}
