package subrav

import (
	"context"
	"errors"
	"fmt"

	"github.com/calindra/subrav/internal/identity"
)

// Sign encodes r and signs the canonical bytes with the key named by keyID.
// The fragment of keyID must be r's sub-channel.
func Sign(ctx context.Context, r SubRAV, signer identity.Signer, keyID string) (*SignedSubRAV, error) {
	_, fragment, err := identity.SplitKeyID(keyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyID, err)
	}
	if fragment != r.VmIdFragment {
		return nil, fmt.Errorf("%w: key %s does not sign sub-channel %s", ErrInvalidKeyID, keyID, r.VmIdFragment)
	}
	data, err := Encode(r)
	if err != nil {
		return nil, err
	}
	signature, err := signer.Sign(ctx, keyID, data)
	if err != nil {
		return nil, fmt.Errorf("subrav: sign: %w", err)
	}
	return &SignedSubRAV{SubRAV: r, Signature: signature, KeyID: keyID}, nil
}

// Verify checks the signature of s against the key the resolver returns for
// its key id and returns the signer DID. Any resolver error, including a
// timeout, fails verification.
func Verify(ctx context.Context, s *SignedSubRAV, resolver identity.Resolver) (string, error) {
	if s == nil {
		return "", verifyErr(ReasonMalformed, errors.New("missing voucher"))
	}
	did, fragment, err := identity.SplitKeyID(s.KeyID)
	if err != nil {
		return "", verifyErr(ReasonMalformed, err)
	}
	if fragment != s.SubRAV.VmIdFragment {
		return "", verifyErr(ReasonMalformed,
			fmt.Errorf("key fragment %q does not match sub-channel %q", fragment, s.SubRAV.VmIdFragment))
	}
	data, err := Encode(s.SubRAV)
	if err != nil {
		return "", verifyErr(ReasonMalformed, err)
	}
	vm, err := resolver.Resolve(ctx, did, fragment)
	if err != nil {
		return "", verifyErr(ReasonUnresolvableSigner, err)
	}
	if vm == nil {
		return "", verifyErr(ReasonUnresolvableSigner, identity.ErrNotFound)
	}
	err = identity.VerifySignature(vm, data, s.Signature)
	switch {
	case err == nil:
		return did, nil
	case errors.Is(err, identity.ErrAlgorithmMismatch):
		return "", verifyErr(ReasonAlgorithmMismatch, err)
	default:
		return "", verifyErr(ReasonSignatureMismatch, err)
	}
}
