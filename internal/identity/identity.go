// Copyright (c) Gabriel de Quadros Ligneul
// SPDX-License-Identifier: Apache-2.0 (see LICENSE)

// This package resolves DID verification methods and signs messages on
// behalf of DID keys. It knows nothing about vouchers.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Algorithm string

const (
	AlgSecp256k1         Algorithm = "EcdsaSecp256k1VerificationKey2019"
	AlgSecp256k1Recovery Algorithm = "EcdsaSecp256k1RecoveryMethod2020"
	AlgEd25519           Algorithm = "Ed25519VerificationKey2020"
)

var (
	ErrNotFound          = errors.New("identity: verification method not found")
	ErrInvalidKeyID      = errors.New("identity: invalid key id")
	ErrAlgorithmMismatch = errors.New("identity: key or signature does not match algorithm")
	ErrSignatureMismatch = errors.New("identity: signature mismatch")
	ErrResolverTimeout   = errors.New("identity: resolver timed out")
)

// VerificationMethod is the public half of a DID key. For
// AlgSecp256k1Recovery the PublicKey holds a 20-byte address.
type VerificationMethod struct {
	ID         string
	Controller string
	Algorithm  Algorithm
	PublicKey  []byte
}

// Resolver maps (did, fragment) to a verification method.
type Resolver interface {
	Resolve(ctx context.Context, did string, fragment string) (*VerificationMethod, error)
}

// Signer signs messages with the private key named by keyID.
type Signer interface {
	Sign(ctx context.Context, keyID string, message []byte) ([]byte, error)
}

// KeyID joins a DID and a fragment.
func KeyID(did string, fragment string) string {
	return did + "#" + fragment
}

// SplitKeyID splits "<did>#<fragment>".
func SplitKeyID(keyID string) (did string, fragment string, err error) {
	did, fragment, ok := strings.Cut(keyID, "#")
	if !ok || !strings.HasPrefix(did, "did:") || fragment == "" || strings.Contains(fragment, "#") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKeyID, keyID)
	}
	return did, fragment, nil
}

// StaticResolver serves a fixed set of verification methods keyed by key id.
type StaticResolver map[string]VerificationMethod

func (s StaticResolver) Add(vm VerificationMethod) {
	s[vm.ID] = vm
}

func (s StaticResolver) Resolve(ctx context.Context, did string, fragment string) (*VerificationMethod, error) {
	vm, ok := s[KeyID(did, fragment)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, KeyID(did, fragment))
	}
	return &vm, nil
}

// Chain asks each resolver in order. ErrNotFound moves on to the next
// resolver; any other error stops the lookup.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, did string, fragment string) (*VerificationMethod, error) {
	for _, r := range c {
		vm, err := r.Resolve(ctx, did, fragment)
		if err == nil {
			return vm, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, KeyID(did, fragment))
}
