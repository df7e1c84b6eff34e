package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/calindra/subrav/internal/identity"
	"github.com/calindra/subrav/internal/payment"
	"github.com/calindra/subrav/internal/subrav"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const recoveryPath = "/payment-channel/recovery"

// PaymentClient pays for requests on one sub-channel. Requests are
// serialized: a streaming response holds the sub-channel until its body
// is closed.
type PaymentClient struct {
	HTTP         *http.Client
	BaseURL      string
	ChainID      uint64
	ChannelID    common.Hash
	VmIdFragment string
	KeyID        string
	Signer       identity.Signer
	Store        PendingStore
	// MaxAmount caps the charge of each request; nil leaves it to the service.
	MaxAmount *big.Int

	turn chan struct{}
}

func NewPaymentClient(
	baseURL string,
	chainID uint64,
	channelID common.Hash,
	keyID string,
	signer identity.Signer,
	store PendingStore,
) (*PaymentClient, error) {
	_, fragment, err := identity.SplitKeyID(keyID)
	if err != nil {
		return nil, err
	}
	return &PaymentClient{
		HTTP:         http.DefaultClient,
		BaseURL:      strings.TrimRight(baseURL, "/"),
		ChainID:      chainID,
		ChannelID:    channelID,
		VmIdFragment: fragment,
		KeyID:        keyID,
		Signer:       signer,
		Store:        store,
		turn:         make(chan struct{}, 1),
	}, nil
}

func (c *PaymentClient) acquire(ctx context.Context) error {
	select {
	case c.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *PaymentClient) release() {
	<-c.turn
}

// State returns the stored record of the sub-channel.
func (c *PaymentClient) State(ctx context.Context) (*Record, error) {
	rec, err := c.Store.Load(ctx, c.ChannelID, c.VmIdFragment)
	if err != nil || rec != nil {
		return rec, err
	}
	return newRecord(c.ChannelID, c.VmIdFragment), nil
}

// Do sends req with the payment header. Payment errors are returned as
// *payment.Error; recoverable ones have already resynchronized the
// sub-channel, so the request may be sent again.
func (c *PaymentClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	resp, streaming, err := c.do(ctx, req)
	if err != nil || !streaming {
		c.release()
	}
	return resp, err
}

// do reports whether the response is a stream still holding the
// sub-channel.
func (c *PaymentClient) do(ctx context.Context, req *http.Request) (*http.Response, bool, error) {
	rec, err := c.State(ctx)
	if err != nil {
		return nil, false, err
	}
	if rec.State == Recovering {
		if rec, err = c.recover(ctx, rec); err != nil {
			return nil, false, err
		}
	}
	header, err := c.header(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set(payment.HeaderName, header)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, false, err
	}
	if value := resp.Header.Get(payment.HeaderName); value != "" {
		if err := c.handle(ctx, rec, value); err != nil {
			resp.Body.Close()
			return nil, false, err
		}
	}
	format, streaming := payment.StreamFormat(resp.Header.Get("Content-Type"))
	if !streaming {
		return resp, false, nil
	}
	resp.Body = payment.NewStreamFilter(format, resp.Body, func(value string) {
		if err := c.handle(context.Background(), rec, value); err != nil {
			slog.Warn("client: control frame rejected", "channel", c.ChannelID.Hex(), "error", err)
		}
	}, c.release)
	return resp, true, nil
}

// header builds the request payload, signing the pending proposal.
func (c *PaymentClient) header(ctx context.Context, rec *Record) (string, error) {
	req := &payment.RequestPayload{
		Version:     payment.PayloadVersion,
		ClientTxRef: uuid.NewString(),
	}
	if c.MaxAmount != nil {
		req.MaxAmount = c.MaxAmount.String()
	}
	if rec.Pending == nil {
		req.ChannelID = c.ChannelID.Hex()
		req.VmIdFragment = c.VmIdFragment
		return payment.EncodeRequest(req)
	}
	signed, err := subrav.Sign(ctx, *rec.Pending, c.Signer, c.KeyID)
	if err != nil {
		return "", err
	}
	if err := rec.Transition(ProposalSigned); err != nil {
		return "", err
	}
	if err := c.Store.Save(ctx, rec); err != nil {
		return "", err
	}
	if req.SignedSubRAV, err = payment.EncodeSigned(signed); err != nil {
		return "", err
	}
	return payment.EncodeRequest(req)
}

// handle applies a response payload to the record.
func (c *PaymentClient) handle(ctx context.Context, rec *Record, value string) error {
	res, err := payment.DecodeResponse(value)
	if err != nil {
		return err
	}
	if res.Error != nil {
		perr := &payment.Error{Code: res.Error.Code, Message: res.Error.Message}
		if perr.Code.Recoverable() {
			slog.Info("client: service reports drift, recovering", "code", perr.Code, "message", perr.Message)
			if _, err := c.recover(ctx, rec); err != nil {
				return errors.Join(perr, err)
			}
			return perr
		}
		if rec.State == ProposalSigned {
			// the service never accepted the signature
			if err := rec.Transition(ProposalPending); err != nil {
				return err
			}
			if err := c.Store.Save(ctx, rec); err != nil {
				return err
			}
		}
		return perr
	}
	if rec.State == ProposalSigned {
		if err := rec.Transition(Confirmed); err != nil {
			return err
		}
		rec.Epoch = rec.Pending.ChannelEpoch
		rec.SignedNonce = rec.Pending.Nonce
		rec.SignedAmount = new(big.Int).Set(rec.Pending.Amount())
		rec.Pending = nil
	}
	proposal, err := res.Proposal()
	if err != nil {
		return err
	}
	if proposal == nil {
		return c.Store.Save(ctx, rec)
	}
	if rec.Pending != nil && rec.Pending.Equal(*proposal) {
		return nil
	}
	if err := rec.Validate(c.ChainID, *proposal); err != nil {
		if saveErr := c.Store.Save(ctx, rec); saveErr != nil {
			return errors.Join(err, saveErr)
		}
		return err
	}
	if err := rec.Transition(ProposalPending); err != nil {
		return err
	}
	rec.Pending = proposal
	slog.Debug("client: proposal stored", "nonce", proposal.Nonce, "amount", proposal.Amount(), "cost", res.Cost)
	return c.Store.Save(ctx, rec)
}

// Recover resynchronizes the sub-channel with the service.
func (c *PaymentClient) Recover(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	rec, err := c.State(ctx)
	if err != nil {
		return err
	}
	_, err = c.recover(ctx, rec)
	return err
}

// recover discards the local proposal and adopts the service's view. The
// service's outstanding proposal is adopted only when it directly follows
// the confirmed state.
func (c *PaymentClient) recover(ctx context.Context, rec *Record) (*Record, error) {
	if err := rec.Transition(Recovering); err != nil {
		return nil, err
	}
	rec.Pending = nil
	if err := c.Store.Save(ctx, rec); err != nil {
		return nil, err
	}
	body, err := c.fetchRecovery(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecoveryFailed, err)
	}
	state := gjson.ParseBytes(body)
	if state.Get("channelState").String() == "closed" {
		return nil, fmt.Errorf("%w: %s", ErrChannelClosed, c.ChannelID.Hex())
	}
	confirmed, ok := new(big.Int).SetString(state.Get("confirmedAmount").String(), 10)
	if !ok {
		return nil, fmt.Errorf("%w: confirmedAmount %q", ErrRecoveryFailed, state.Get("confirmedAmount").String())
	}
	rec.Epoch = state.Get("epoch").Uint()
	rec.SignedNonce = state.Get("confirmedNonce").Uint()
	rec.SignedAmount = confirmed

	next := Confirmed
	if rec.SignedNonce == 0 {
		next = NoChannel
	}
	if encoded := state.Get("pendingSubRav").String(); encoded != "" {
		pending, err := subrav.FromHex(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRecoveryFailed, err)
		}
		if pending.Nonce == rec.SignedNonce+1 && rec.Validate(c.ChainID, pending) == nil {
			rec.Pending = &pending
			next = ProposalPending
		} else {
			slog.Warn("client: ignoring outstanding proposal", "nonce", pending.Nonce, "confirmed", rec.SignedNonce)
		}
	}
	if err := rec.Transition(next); err != nil {
		return nil, err
	}
	slog.Info("client: recovered", "channel", c.ChannelID.Hex(), "vm", c.VmIdFragment,
		"state", rec.State, "confirmedNonce", rec.SignedNonce)
	return rec, c.Store.Save(ctx, rec)
}

func (c *PaymentClient) fetchRecovery(ctx context.Context) ([]byte, error) {
	query := url.Values{}
	query.Set("channelId", c.ChannelID.Hex())
	query.Set("vmIdFragment", c.VmIdFragment)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+recoveryPath+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recovery returned %d: %s", resp.StatusCode, gjson.GetBytes(body, "message").String())
	}
	return body, nil
}
