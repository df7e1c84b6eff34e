// Copyright (c) Gabriel de Quadros Ligneul
// SPDX-License-Identifier: Apache-2.0 (see LICENSE)

// This package defines the payment payloads exchanged in HTTP headers and
// in-band stream frames.
package payment

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/calindra/subrav/internal/subrav"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	HeaderName = "X-Payment-Channel-Data"
	// ControlKey is the reserved JSON key of in-band control frames.
	ControlKey = "__payment__"
	// PayloadVersion of the header JSON.
	PayloadVersion = 1
)

var ErrMalformedPayload = errors.New("payment: malformed payload")

type WireSignedSubRAV struct {
	SubRAV    string `json:"subRav"`
	Signature string `json:"signature"`
	KeyID     string `json:"keyId"`
}

// RequestPayload travels client to service.
type RequestPayload struct {
	Version      int               `json:"version"`
	ClientTxRef  string            `json:"clientTxRef"`
	MaxAmount    string            `json:"maxAmount,omitempty"`
	ChannelID    string            `json:"channelId,omitempty"`
	VmIdFragment string            `json:"vmIdFragment,omitempty"`
	SignedSubRAV *WireSignedSubRAV `json:"signedSubRav,omitempty"`
}

type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

// ResponsePayload travels service to client, in a header or control frame.
type ResponsePayload struct {
	Version      int        `json:"version"`
	ClientTxRef  string     `json:"clientTxRef,omitempty"`
	ServiceTxRef string     `json:"serviceTxRef,omitempty"`
	SubRAV       string     `json:"subRav,omitempty"`
	Cost         string     `json:"cost,omitempty"`
	Error        *ErrorBody `json:"error,omitempty"`
}

func EncodeSigned(s *subrav.SignedSubRAV) (*WireSignedSubRAV, error) {
	h, err := subrav.ToHex(s.SubRAV)
	if err != nil {
		return nil, err
	}
	return &WireSignedSubRAV{
		SubRAV:    h,
		Signature: hexutil.Encode(s.Signature),
		KeyID:     s.KeyID,
	}, nil
}

func DecodeSigned(w *WireSignedSubRAV) (*subrav.SignedSubRAV, error) {
	r, err := subrav.FromHex(w.SubRAV)
	if err != nil {
		return nil, fmt.Errorf("%w: subRav: %w", ErrMalformedPayload, err)
	}
	sig, err := hexutil.Decode(w.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %w", ErrMalformedPayload, err)
	}
	if w.KeyID == "" {
		return nil, fmt.Errorf("%w: missing keyId", ErrMalformedPayload)
	}
	return &subrav.SignedSubRAV{SubRAV: r, Signature: sig, KeyID: w.KeyID}, nil
}

// SubChannel returns the channel and sub-channel a request addresses.
func (p *RequestPayload) SubChannel() (common.Hash, string, error) {
	if p.SignedSubRAV != nil {
		r, err := subrav.FromHex(p.SignedSubRAV.SubRAV)
		if err != nil {
			return common.Hash{}, "", fmt.Errorf("%w: subRav: %w", ErrMalformedPayload, err)
		}
		return r.ChannelID, r.VmIdFragment, nil
	}
	if p.ChannelID == "" || p.VmIdFragment == "" {
		return common.Hash{}, "", fmt.Errorf("%w: need signedSubRav or channelId and vmIdFragment", ErrMalformedPayload)
	}
	raw, err := hexutil.Decode(p.ChannelID)
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, "", fmt.Errorf("%w: channelId %q", ErrMalformedPayload, p.ChannelID)
	}
	if err := subrav.ValidateFragment(p.VmIdFragment); err != nil {
		return common.Hash{}, "", fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return common.BytesToHash(raw), p.VmIdFragment, nil
}

// MaxAmountValue parses maxAmount; nil when absent.
func (p *RequestPayload) MaxAmountValue() (*big.Int, error) {
	return parseAmount("maxAmount", p.MaxAmount)
}

// CostValue parses cost; nil when absent.
func (p *ResponsePayload) CostValue() (*big.Int, error) {
	return parseAmount("cost", p.Cost)
}

// Proposal decodes the unsigned proposal; nil when absent.
func (p *ResponsePayload) Proposal() (*subrav.SubRAV, error) {
	if p.SubRAV == "" {
		return nil, nil
	}
	r, err := subrav.FromHex(p.SubRAV)
	if err != nil {
		return nil, fmt.Errorf("%w: subRav: %w", ErrMalformedPayload, err)
	}
	return &r, nil
}

func parseAmount(field string, s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s %q", ErrMalformedPayload, field, s)
	}
	return v, nil
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decode(s string, v any) error {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(s), "="))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return nil
}

func EncodeRequest(p *RequestPayload) (string, error) {
	return encode(p)
}

func DecodeRequest(s string) (*RequestPayload, error) {
	var p RequestPayload
	if err := decode(s, &p); err != nil {
		return nil, err
	}
	if p.Version != PayloadVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformedPayload, p.Version)
	}
	return &p, nil
}

func EncodeResponse(p *ResponsePayload) (string, error) {
	return encode(p)
}

func DecodeResponse(s string) (*ResponsePayload, error) {
	var p ResponsePayload
	if err := decode(s, &p); err != nil {
		return nil, err
	}
	if p.Version != PayloadVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformedPayload, p.Version)
	}
	return &p, nil
}

// ErrorResponse builds the payload carrying err back to the client.
func ErrorResponse(clientTxRef string, err *Error) *ResponsePayload {
	return &ResponsePayload{
		Version:     PayloadVersion,
		ClientTxRef: clientTxRef,
		Error:       &ErrorBody{Code: err.Code, Message: err.Message},
	}
}
