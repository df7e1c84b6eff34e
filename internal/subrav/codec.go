package subrav

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Version 1 layout, little-endian fixed width:
//
//	version u8 | chainId u64 | channelId [32] | epoch u64 |
//	len u16 | vmIdFragment [len] | accumulatedAmount u256 | nonce u64
const (
	amountSize  = 32
	headerSize  = 1 + 8 + common.HashLength + 8 + 2
	trailerSize = amountSize + 8
)

var maxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// New builds a voucher for the current protocol version.
func New(
	chainID uint64,
	channelID common.Hash,
	epoch uint64,
	vmIdFragment string,
	amount *big.Int,
	nonce uint64,
) SubRAV {
	return SubRAV{
		Version:           ProtocolVersion,
		ChainID:           chainID,
		ChannelID:         channelID,
		ChannelEpoch:      epoch,
		VmIdFragment:      vmIdFragment,
		AccumulatedAmount: new(big.Int).Set(amountOrZero(amount)),
		Nonce:             nonce,
	}
}

func amountOrZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}

// ValidateFragment checks that s can be used as a verification method fragment.
func ValidateFragment(s string) error {
	switch {
	case s == "":
		return fmt.Errorf("%w: empty", ErrInvalidFragment)
	case len(s) > MaxFragmentLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidFragment, MaxFragmentLength)
	case !utf8.ValidString(s):
		return fmt.Errorf("%w: not utf-8", ErrInvalidFragment)
	case strings.ContainsRune(s, '#'):
		return fmt.Errorf("%w: contains '#'", ErrInvalidFragment)
	}
	return nil
}

// Encode produces the canonical bytes of r. Encoding is deterministic:
// equal vouchers always encode to identical bytes.
func Encode(r SubRAV) ([]byte, error) {
	if r.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, r.Version)
	}
	if err := ValidateFragment(r.VmIdFragment); err != nil {
		return nil, err
	}
	amount := r.Amount()
	if amount.Sign() < 0 || amount.Cmp(maxAmount) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	var word [amountSize]byte
	amount.FillBytes(word[:])
	reverse(word[:])

	buf := make([]byte, 0, headerSize+len(r.VmIdFragment)+trailerSize)
	buf = append(buf, r.Version)
	buf = binary.LittleEndian.AppendUint64(buf, r.ChainID)
	buf = append(buf, r.ChannelID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, r.ChannelEpoch)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.VmIdFragment)))
	buf = append(buf, r.VmIdFragment...)
	buf = append(buf, word[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, r.Nonce)
	return buf, nil
}

// Decode parses canonical bytes. It rejects unknown versions, short
// buffers and any bytes left over after the last field.
func Decode(data []byte) (SubRAV, error) {
	var r SubRAV
	if len(data) == 0 {
		return r, ErrTruncated
	}
	if data[0] != ProtocolVersion {
		return r, fmt.Errorf("%w: %d", ErrUnknownVersion, data[0])
	}
	if len(data) < headerSize {
		return r, ErrTruncated
	}
	r.Version = data[0]
	r.ChainID = binary.LittleEndian.Uint64(data[1:9])
	copy(r.ChannelID[:], data[9:9+common.HashLength])
	off := 9 + common.HashLength
	r.ChannelEpoch = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	n := int(binary.LittleEndian.Uint16(data[off : off+2]))
	off += 2
	if len(data) < off+n+trailerSize {
		return SubRAV{}, ErrTruncated
	}
	r.VmIdFragment = string(data[off : off+n])
	off += n
	if err := ValidateFragment(r.VmIdFragment); err != nil {
		return SubRAV{}, err
	}
	var word [amountSize]byte
	copy(word[:], data[off:off+amountSize])
	reverse(word[:])
	r.AccumulatedAmount = new(big.Int).SetBytes(word[:])
	off += amountSize
	r.Nonce = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	if off != len(data) {
		return SubRAV{}, fmt.Errorf("%w: %d", ErrTrailingBytes, len(data)-off)
	}
	return r, nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// ToHex encodes r as 0x-prefixed hex.
func ToHex(r SubRAV) (string, error) {
	data, err := Encode(r)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(data), nil
}

// FromHex decodes a 0x-prefixed hex encoding.
func FromHex(s string) (SubRAV, error) {
	data, err := hexutil.Decode(s)
	if err != nil {
		return SubRAV{}, fmt.Errorf("subrav: decode hex: %w", err)
	}
	return Decode(data)
}

// ToBase64URL encodes r as unpadded base64url.
func ToBase64URL(r SubRAV) (string, error) {
	data, err := Encode(r)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// FromBase64URL accepts base64url with or without padding.
func FromBase64URL(s string) (SubRAV, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return SubRAV{}, fmt.Errorf("subrav: decode base64url: %w", err)
	}
	return Decode(data)
}
