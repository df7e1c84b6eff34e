package identity

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// VerifySignature checks signature over message with the method's key.
// secp256k1 algorithms sign keccak256(message); Ed25519 signs message.
func VerifySignature(vm *VerificationMethod, message []byte, signature []byte) error {
	switch vm.Algorithm {
	case AlgSecp256k1:
		if len(vm.PublicKey) != 33 && len(vm.PublicKey) != 65 {
			return fmt.Errorf("%w: public key has %d bytes", ErrAlgorithmMismatch, len(vm.PublicKey))
		}
		if len(signature) != crypto.SignatureLength && len(signature) != crypto.SignatureLength-1 {
			return fmt.Errorf("%w: signature has %d bytes", ErrAlgorithmMismatch, len(signature))
		}
		hash := crypto.Keccak256(message)
		if !crypto.VerifySignature(vm.PublicKey, hash, signature[:64]) {
			return ErrSignatureMismatch
		}
		return nil
	case AlgSecp256k1Recovery:
		if len(vm.PublicKey) != common.AddressLength {
			return fmt.Errorf("%w: address has %d bytes", ErrAlgorithmMismatch, len(vm.PublicKey))
		}
		if len(signature) != crypto.SignatureLength {
			return fmt.Errorf("%w: signature has %d bytes", ErrAlgorithmMismatch, len(signature))
		}
		sig := bytes.Clone(signature)
		if sig[64] >= 27 {
			sig[64] -= 27
		}
		pubkey, err := crypto.SigToPub(crypto.Keccak256(message), sig)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSignatureMismatch, err)
		}
		if crypto.PubkeyToAddress(*pubkey) != common.BytesToAddress(vm.PublicKey) {
			return ErrSignatureMismatch
		}
		return nil
	case AlgEd25519:
		if len(vm.PublicKey) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: public key has %d bytes", ErrAlgorithmMismatch, len(vm.PublicKey))
		}
		if len(signature) != ed25519.SignatureSize {
			return fmt.Errorf("%w: signature has %d bytes", ErrAlgorithmMismatch, len(signature))
		}
		if !ed25519.Verify(ed25519.PublicKey(vm.PublicKey), message, signature) {
			return ErrSignatureMismatch
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported algorithm %q", ErrAlgorithmMismatch, vm.Algorithm)
	}
}
