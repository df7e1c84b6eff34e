package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ControllerFragment names the default key of a did:ethr identity.
const ControllerFragment = "controller"

// EthrResolver resolves the controller key of did:ethr identities
// without a registry lookup: the key is the account itself.
type EthrResolver struct{}

func (EthrResolver) Resolve(ctx context.Context, did string, fragment string) (*VerificationMethod, error) {
	rest, ok := strings.CutPrefix(did, "did:ethr:")
	if !ok || fragment != ControllerFragment {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, KeyID(did, fragment))
	}
	// did:ethr:<network>:<address> carries the account last
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		rest = rest[i+1:]
	}
	if !common.IsHexAddress(rest) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, KeyID(did, fragment))
	}
	return &VerificationMethod{
		ID:         KeyID(did, fragment),
		Controller: did,
		Algorithm:  AlgSecp256k1Recovery,
		PublicKey:  common.HexToAddress(rest).Bytes(),
	}, nil
}
