package identity

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

const (
	PURPOSE_INDEX   = 44
	COIN_TYPE_INDEX = 60
)

// DevMnemonic is the well known development mnemonic used by local chains.
const DevMnemonic = "test test test test test test test test test test test junk"

// PrivateKeyFromMnemonic derives the key at m/44'/60'/0'/0/index.
func PrivateKeyFromMnemonic(mnemonic string, index uint32) (*ecdsa.PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("identity: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")

	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("fail to generate master key: %w", err)
	}
	path := []uint32{
		hdkeychain.HardenedKeyStart + PURPOSE_INDEX,
		hdkeychain.HardenedKeyStart + COIN_TYPE_INDEX,
		hdkeychain.HardenedKeyStart + 0,
		0,
		index,
	}
	childKey := masterKey
	for _, i := range path {
		childKey, err = childKey.Derive(i)
		if err != nil {
			return nil, fmt.Errorf("fail to derive key: %w", err)
		}
	}

	privKeyBytes, err := childKey.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("fail to obtain private key: %w", err)
	}

	privateKey, err := crypto.ToECDSA(privKeyBytes.Serialize())
	if err != nil {
		return nil, fmt.Errorf("fail to convert to ECDSA key: %w", err)
	}
	return privateKey, nil
}

// PrivateKeyFromHex parses a hex private key with or without 0x.
func PrivateKeyFromHex(s string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("identity: parse private key: %w", err)
	}
	return key, nil
}

// EthrDID names the did:ethr identity controlled by address.
func EthrDID(address common.Address) string {
	return "did:ethr:" + address.Hex()
}

// DIDFromKey is EthrDID for the address of key.
func DIDFromKey(key *ecdsa.PrivateKey) string {
	return EthrDID(crypto.PubkeyToAddress(key.PublicKey))
}
