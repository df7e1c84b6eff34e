package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
)

type privateKey struct {
	algorithm Algorithm
	secp      *ecdsa.PrivateKey
	ed        ed25519.PrivateKey
}

// KeyStore holds private keys in memory. It signs with them and resolves
// their public halves, so it serves as both Signer and Resolver.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]privateKey
}

func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]privateKey)}
}

// AddSecp256k1 registers key under did#fragment and returns the key id.
func (k *KeyStore) AddSecp256k1(did string, fragment string, key *ecdsa.PrivateKey) string {
	keyID := KeyID(did, fragment)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = privateKey{algorithm: AlgSecp256k1, secp: key}
	return keyID
}

func (k *KeyStore) AddEd25519(did string, fragment string, key ed25519.PrivateKey) string {
	keyID := KeyID(did, fragment)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = privateKey{algorithm: AlgEd25519, ed: key}
	return keyID
}

func (k *KeyStore) lookup(keyID string) (privateKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[keyID]
	return key, ok
}

func (k *KeyStore) Sign(ctx context.Context, keyID string, message []byte) ([]byte, error) {
	key, ok := k.lookup(keyID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, keyID)
	}
	switch key.algorithm {
	case AlgSecp256k1:
		return crypto.Sign(crypto.Keccak256(message), key.secp)
	case AlgEd25519:
		return ed25519.Sign(key.ed, message), nil
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrAlgorithmMismatch, key.algorithm)
	}
}

func (k *KeyStore) Resolve(ctx context.Context, did string, fragment string) (*VerificationMethod, error) {
	keyID := KeyID(did, fragment)
	key, ok := k.lookup(keyID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, keyID)
	}
	vm := &VerificationMethod{ID: keyID, Controller: did, Algorithm: key.algorithm}
	switch key.algorithm {
	case AlgSecp256k1:
		vm.PublicKey = crypto.CompressPubkey(&key.secp.PublicKey)
	case AlgEd25519:
		vm.PublicKey = []byte(key.ed.Public().(ed25519.PublicKey))
	}
	return vm, nil
}
