package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/calindra/subrav/internal/billing"
	"github.com/calindra/subrav/internal/channel"
	"github.com/calindra/subrav/internal/claimer"
	"github.com/calindra/subrav/internal/commons"
	"github.com/calindra/subrav/internal/identity"
	"github.com/calindra/subrav/internal/payment"
	"github.com/calindra/subrav/internal/settlement"
	"github.com/calindra/subrav/internal/subrav"
	"github.com/calindra/subrav/internal/tracker"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/suite"
)

const (
	chainID = 31337
	payee   = "did:ethr:0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	asset   = "0x0000000000000000000000000000000000000001"
)

type fakeClaims struct {
	mu        sync.Mutex
	triggered []common.Hash
}

func (f *fakeClaims) Trigger(channelID common.Hash) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.triggered {
		if id == channelID {
			return false
		}
	}
	f.triggered = append(f.triggered, channelID)
	return true
}

func (f *fakeClaims) Status() []claimer.ChannelStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []claimer.ChannelStatus
	for _, id := range f.triggered {
		out = append(out, claimer.ChannelStatus{ChannelID: id.Hex(), Queued: true, TotalPaid: "0"})
	}
	return out
}

type ServiceSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	keys      *identity.KeyStore
	payer     string
	stranger  string
	contract  *settlement.Memory
	tracker   *tracker.Tracker
	vouchers  *claimer.VoucherRepository
	manager   *channel.Manager
	claims    *fakeClaims
	processor *Processor
	echo      *echo.Echo
	channelID common.Hash
	txCount   int

	streamOpen   chan struct{}
	streamFinish chan struct{}
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	commons.ConfigureLog(slog.LevelDebug)
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)

	s.keys = identity.NewKeyStore()
	key, err := identity.PrivateKeyFromMnemonic(identity.DevMnemonic, 0)
	s.Require().NoError(err)
	s.payer = identity.DIDFromKey(key)
	s.keys.AddSecp256k1(s.payer, "k1", key)
	other, err := identity.PrivateKeyFromMnemonic(identity.DevMnemonic, 3)
	s.Require().NoError(err)
	s.stranger = identity.DIDFromKey(other)
	s.keys.AddSecp256k1(s.stranger, "k1", other)

	db := sqlx.MustConnect("sqlite3", ":memory:")
	db.SetMaxOpenConns(1)
	s.vouchers = &claimer.VoucherRepository{Db: db}
	s.Require().NoError(s.vouchers.CreateTables())
	proposals := &SqlProposalStore{Db: db}
	s.Require().NoError(proposals.CreateTables())

	s.contract = settlement.NewMemory()
	s.tracker = tracker.New(tracker.NewMemoryStore())
	claimService := claimer.NewClaimService(s.vouchers, s.contract)
	s.manager = channel.NewManager(s.contract, s.tracker, claimService, s.vouchers, s.keys)
	ch, err := s.manager.Open(s.ctx, s.payer, payee, asset)
	s.Require().NoError(err)
	s.channelID = ch.ID
	vm, err := s.keys.Resolve(s.ctx, s.payer, "k1")
	s.Require().NoError(err)
	s.Require().NoError(s.manager.AuthorizeSubChannel(s.ctx, ch.ID, *vm))

	registry := billing.NewRegistry()
	s.Require().NoError(registry.Register("GET /paid", billing.Strategy{Kind: billing.PerRequest, Price: big.NewInt(10)}))
	s.Require().NoError(registry.Register("GET /tokens", billing.Strategy{Kind: billing.PerUnit, Price: big.NewInt(2)}))
	s.Require().NoError(registry.Register("GET /cost", billing.Strategy{Kind: billing.FinalCost}))
	s.Require().NoError(registry.Register("GET /fail", billing.Strategy{Kind: billing.PerUnit, Price: big.NewInt(2)}))
	s.Require().NoError(registry.Register("GET /stream", billing.Strategy{Kind: billing.PerUnit, Price: big.NewInt(5)}))
	s.Require().NoError(registry.Register("GET /eager-stream", billing.Strategy{Kind: billing.PerRequest, Price: big.NewInt(3)}))
	s.Require().NoError(registry.Register("GET /slow-stream", billing.Strategy{Kind: billing.PerUnit, Price: big.NewInt(5)}))

	s.claims = &fakeClaims{}
	s.processor = &Processor{
		Config:    Config{ChainID: chainID, MaxAmountPerRequest: big.NewInt(1000)},
		Registry:  registry,
		Tracker:   s.tracker,
		Channels:  s.manager,
		Resolver:  s.keys,
		Proposals: proposals,
		Vouchers:  s.vouchers,
		Claims:    s.claims,
	}

	s.echo = echo.New()
	mw := s.processor.Middleware()
	s.echo.GET("/paid", func(c echo.Context) error {
		return c.String(http.StatusOK, "paid")
	}, mw)
	s.echo.GET("/free", func(c echo.Context) error {
		return c.String(http.StatusOK, "free")
	}, mw)
	s.echo.GET("/tokens", func(c echo.Context) error {
		SetUsage(c, 7)
		return c.String(http.StatusOK, "seven tokens")
	}, mw)
	s.echo.GET("/cost", func(c echo.Context) error {
		SetCost(c, big.NewInt(5000))
		return c.JSON(http.StatusOK, map[string]string{"result": "expensive"})
	}, mw)
	s.echo.GET("/fail", func(c echo.Context) error {
		SetUsage(c, 100)
		return errors.New("upstream failed")
	}, mw)
	s.echo.GET("/stream", func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().WriteHeader(http.StatusOK)
		for i := 0; i < 2; i++ {
			fmt.Fprintf(c.Response(), "data: {\"chunk\":%d}\n\n", i)
			c.Response().Flush()
		}
		SetUsage(c, 3)
		return nil
	}, mw)
	s.echo.GET("/eager-stream", func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "application/x-ndjson")
		c.Response().WriteHeader(http.StatusOK)
		fmt.Fprint(c.Response(), "{\"chunk\":0}\n")
		return nil
	}, mw)
	s.streamOpen = make(chan struct{})
	s.streamFinish = make(chan struct{})
	s.echo.GET("/slow-stream", func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().WriteHeader(http.StatusOK)
		fmt.Fprint(c.Response(), "data: {\"chunk\":0}\n\n")
		c.Response().Flush()
		close(s.streamOpen)
		<-s.streamFinish
		SetUsage(c, 4)
		return nil
	}, mw)
	Register(s.echo, s.processor, &Admin{Claims: s.claims, Channels: s.manager, Payee: payee, Token: "secret"})
}

func (s *ServiceSuite) TearDownTest() {
	s.cancel()
}

func (s *ServiceSuite) request(signed *subrav.SignedSubRAV) *payment.RequestPayload {
	s.txCount++
	req := &payment.RequestPayload{
		Version:     payment.PayloadVersion,
		ClientTxRef: fmt.Sprintf("tx-%d", s.txCount),
	}
	if signed == nil {
		req.ChannelID = s.channelID.Hex()
		req.VmIdFragment = "k1"
		return req
	}
	wire, err := payment.EncodeSigned(signed)
	s.Require().NoError(err)
	req.SignedSubRAV = wire
	return req
}

func (s *ServiceSuite) send(path string, req *payment.RequestPayload) *httptest.ResponseRecorder {
	httpReq := httptest.NewRequest(http.MethodGet, path, nil)
	if req != nil {
		header, err := payment.EncodeRequest(req)
		s.Require().NoError(err)
		httpReq.Header.Set(payment.HeaderName, header)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httpReq)
	return rec
}

func (s *ServiceSuite) responseOf(rec *httptest.ResponseRecorder) *payment.ResponsePayload {
	value := rec.Header().Get(payment.HeaderName)
	s.Require().NotEmpty(value)
	res, err := payment.DecodeResponse(value)
	s.Require().NoError(err)
	return res
}

func (s *ServiceSuite) proposalOf(res *payment.ResponsePayload) subrav.SubRAV {
	s.Require().Nil(res.Error)
	proposal, err := res.Proposal()
	s.Require().NoError(err)
	s.Require().NotNil(proposal)
	return *proposal
}

func (s *ServiceSuite) sign(r subrav.SubRAV, did string) *subrav.SignedSubRAV {
	signed, err := subrav.Sign(s.ctx, r, s.keys, identity.KeyID(did, r.VmIdFragment))
	s.Require().NoError(err)
	return signed
}

func (s *ServiceSuite) errorCode(rec *httptest.ResponseRecorder) payment.Code {
	res := s.responseOf(rec)
	s.Require().NotNil(res.Error)
	var body payment.ErrorBody
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	s.Equal(res.Error.Code, body.Code)
	return body.Code
}

func (s *ServiceSuite) confirmed() tracker.Entry {
	entry, err := s.tracker.LastConfirmed(s.ctx, tracker.Key{ChannelID: s.channelID, VmIdFragment: "k1"})
	s.Require().NoError(err)
	return entry
}

// first performs the unsigned opening request and returns its proposal.
func (s *ServiceSuite) first(path string) subrav.SubRAV {
	rec := s.send(path, s.request(nil))
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	return s.proposalOf(s.responseOf(rec))
}

func (s *ServiceSuite) TestPerRequestRoundTrips() {
	rec := s.send("/paid", s.request(nil))
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("paid", rec.Body.String())
	res := s.responseOf(rec)
	s.Equal("tx-1", res.ClientTxRef)
	s.NotEmpty(res.ServiceTxRef)
	s.Equal("10", res.Cost)
	proposal := s.proposalOf(res)
	s.Equal(uint64(1), proposal.Nonce)
	s.Equal("10", proposal.Amount().String())
	s.Equal(uint64(chainID), proposal.ChainID)

	rec = s.send("/paid", s.request(s.sign(proposal, s.payer)))
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	next := s.proposalOf(s.responseOf(rec))
	s.Equal(uint64(2), next.Nonce)
	s.Equal("20", next.Amount().String())

	entry := s.confirmed()
	s.Equal(uint64(1), entry.Nonce)
	s.Equal("10", entry.Amount().String())
	latest, err := s.vouchers.Latest(s.ctx, s.channelID, 0, "k1")
	s.Require().NoError(err)
	s.Equal(uint64(1), latest.Signed.SubRAV.Nonce)

	ch, err := s.manager.Lookup(s.ctx, s.channelID)
	s.Require().NoError(err)
	s.Equal(channel.Active, ch.State)
}

func (s *ServiceSuite) TestFreeRouteNeedsNoHeader() {
	rec := s.send("/free", nil)
	s.Equal(http.StatusOK, rec.Code)
	s.Empty(rec.Header().Get(payment.HeaderName))
}

func (s *ServiceSuite) TestMissingHeader() {
	rec := s.send("/paid", nil)
	s.Equal(http.StatusPaymentRequired, rec.Code)
	s.Equal(payment.CodePaymentRequired, s.errorCode(rec))
}

func (s *ServiceSuite) TestMalformedHeader() {
	httpReq := httptest.NewRequest(http.MethodGet, "/paid", nil)
	httpReq.Header.Set(payment.HeaderName, "%%%")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httpReq)
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal(payment.CodeMalformedPayload, s.errorCode(rec))
}

func (s *ServiceSuite) TestUnknownChannel() {
	req := s.request(nil)
	req.ChannelID = settlement.ChannelIDOf("x", "y", "z").Hex()
	rec := s.send("/paid", req)
	s.Equal(http.StatusNotFound, rec.Code)
	s.Equal(payment.CodeChannelNotFound, s.errorCode(rec))
}

func (s *ServiceSuite) TestUnsignedWhileProposalOutstanding() {
	s.first("/paid")
	rec := s.send("/paid", s.request(nil))
	s.Equal(http.StatusPaymentRequired, rec.Code)
	s.Equal(payment.CodePaymentRequired, s.errorCode(rec))
	s.Equal("tx-2", s.responseOf(rec).ClientTxRef)
}

func (s *ServiceSuite) TestTamperedVoucherLeavesLedger() {
	proposal := s.first("/paid")
	signed := s.sign(proposal, s.payer)
	signed.Signature[5] ^= 0xff
	rec := s.send("/paid", s.request(signed))
	s.Equal(http.StatusUnauthorized, rec.Code)
	s.Equal(payment.CodeVerificationFailed, s.errorCode(rec))
	s.NotEqual("paid", rec.Body.String())
	s.Equal(uint64(0), s.confirmed().Nonce)
}

func (s *ServiceSuite) TestVoucherFromStrangerRejected() {
	proposal := s.first("/paid")
	rec := s.send("/paid", s.request(s.sign(proposal, s.stranger)))
	s.Equal(http.StatusUnauthorized, rec.Code)
	s.Equal(payment.CodeVerificationFailed, s.errorCode(rec))
	s.Equal(uint64(0), s.confirmed().Nonce)
}

func (s *ServiceSuite) TestWrongChainRejected() {
	proposal := s.first("/paid")
	proposal.ChainID = 1
	rec := s.send("/paid", s.request(s.sign(proposal, s.payer)))
	s.Equal(payment.CodeVerificationFailed, s.errorCode(rec))
}

func (s *ServiceSuite) TestProposalMismatch() {
	proposal := s.first("/paid")
	proposal.AccumulatedAmount = big.NewInt(1)
	rec := s.send("/paid", s.request(s.sign(proposal, s.payer)))
	s.Equal(http.StatusConflict, rec.Code)
	s.Equal(payment.CodeProposalMismatch, s.errorCode(rec))
	s.Equal(uint64(0), s.confirmed().Nonce)
}

func (s *ServiceSuite) TestReplayRejected() {
	proposal := s.first("/paid")
	signed := s.sign(proposal, s.payer)
	rec := s.send("/paid", s.request(signed))
	s.Require().Equal(http.StatusOK, rec.Code)
	rec = s.send("/paid", s.request(signed))
	s.Equal(http.StatusConflict, rec.Code)
	s.NotEqual("paid", rec.Body.String())
	s.Equal(uint64(1), s.confirmed().Nonce)
}

func (s *ServiceSuite) TestDeltaAboveServiceBound() {
	s.first("/paid")
	// a voucher the service never proposed, after its proposal is gone
	s.Require().NoError(s.processor.Proposals.Delete(s.ctx, s.channelID, "k1"))
	r := subrav.New(chainID, s.channelID, 0, "k1", big.NewInt(5000), 1)
	rec := s.send("/paid", s.request(s.sign(r, s.payer)))
	s.Equal(payment.CodeDeltaOutOfBounds, s.errorCode(rec))
}

func (s *ServiceSuite) TestConcurrentSameVoucher() {
	proposal := s.first("/paid")
	signed := s.sign(proposal, s.payer)
	reqs := []*payment.RequestPayload{s.request(signed), s.request(signed)}
	codes := make([]int, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			header, _ := payment.EncodeRequest(req)
			httpReq := httptest.NewRequest(http.MethodGet, "/paid", nil)
			httpReq.Header.Set(payment.HeaderName, header)
			rec := httptest.NewRecorder()
			s.echo.ServeHTTP(rec, httpReq)
			codes[i] = rec.Code
		}()
	}
	wg.Wait()
	s.ElementsMatch([]int{http.StatusOK, http.StatusConflict}, codes)
	s.Equal(uint64(1), s.confirmed().Nonce)
}

func (s *ServiceSuite) header(req *payment.RequestPayload) string {
	header, err := payment.EncodeRequest(req)
	s.Require().NoError(err)
	return header
}

func (s *ServiceSuite) TestUnsignedRequestWhileSignedInFlight() {
	proposal := s.first("/tokens")
	signedHeader := s.header(s.request(s.sign(proposal, s.payer)))

	inFlight, err := s.processor.Begin(s.ctx, "GET /tokens", signedHeader)
	s.Require().NoError(err)
	s.Require().NotNil(inFlight)

	overlapping, err := s.processor.Begin(s.ctx, "GET /tokens", s.header(s.request(nil)))
	s.Nil(overlapping)
	var perr *payment.Error
	s.Require().ErrorAs(err, &perr)
	s.Equal(payment.CodeSubChannelBusy, perr.Code)

	res, err := inFlight.Propose(s.ctx, billing.Usage{Units: big.NewInt(3)})
	s.Require().NoError(err)
	s.Equal("6", res.Cost)
	next := s.proposalOf(res)
	s.Equal(uint64(2), next.Nonce)
	s.Equal("20", next.Amount().String())

	// the sub-channel is free again but owes a signature for the new proposal
	_, err = s.processor.Begin(s.ctx, "GET /tokens", s.header(s.request(nil)))
	s.Require().ErrorAs(err, &perr)
	s.Equal(payment.CodePaymentRequired, perr.Code)

	outstanding, err := s.processor.Proposals.Get(s.ctx, s.channelID, "k1")
	s.Require().NoError(err)
	s.Require().NotNil(outstanding)
	s.True(outstanding.Equal(next))

	rec := s.send("/tokens", s.request(s.sign(next, s.payer)))
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal(uint64(2), s.confirmed().Nonce)
	s.Equal("20", s.confirmed().Amount().String())
}

func (s *ServiceSuite) TestRequestWhileDeferredStreamOpen() {
	streamed := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		httpReq := httptest.NewRequest(http.MethodGet, "/slow-stream", nil)
		httpReq.Header.Set(payment.HeaderName, s.header(s.request(nil)))
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, httpReq)
		streamed <- rec
	}()
	select {
	case <-s.streamOpen:
	case <-s.ctx.Done():
		s.FailNow("stream did not start")
	}

	rec := s.send("/paid", s.request(nil))
	s.Equal(http.StatusConflict, rec.Code)
	s.Equal(payment.CodeSubChannelBusy, s.errorCode(rec))

	close(s.streamFinish)
	var stream *httptest.ResponseRecorder
	select {
	case stream = <-streamed:
	case <-s.ctx.Done():
		s.FailNow("stream did not finish")
	}
	s.Require().Equal(http.StatusOK, stream.Code)
	var values []string
	filtered := payment.NewStreamFilter(payment.FormatSSE, io.NopCloser(strings.NewReader(stream.Body.String())),
		func(v string) { values = append(values, v) }, nil)
	_, err := io.ReadAll(filtered)
	s.Require().NoError(err)
	s.Require().Len(values, 1)
	res, err := payment.DecodeResponse(values[0])
	s.Require().NoError(err)
	s.Equal("20", res.Cost)
	proposal := s.proposalOf(res)
	s.Equal(uint64(1), proposal.Nonce)

	rec = s.send("/paid", s.request(nil))
	s.Equal(http.StatusPaymentRequired, rec.Code)
	rec = s.send("/paid", s.request(s.sign(proposal, s.payer)))
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal("20", s.confirmed().Amount().String())
}

func (s *ServiceSuite) TestPerUnitDeferred() {
	rec := s.send("/tokens", s.request(nil))
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("seven tokens", rec.Body.String())
	res := s.responseOf(rec)
	s.Equal("14", res.Cost)
	s.Equal("14", s.proposalOf(res).Amount().String())
}

func (s *ServiceSuite) TestFinalCostClampedToClientCap() {
	req := s.request(nil)
	req.MaxAmount = "50"
	rec := s.send("/cost", req)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"result":"expensive"}`, rec.Body.String())
	res := s.responseOf(rec)
	s.Equal("50", res.Cost)
}

func (s *ServiceSuite) TestFinalCostClampedToServiceBound() {
	rec := s.send("/cost", s.request(nil))
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("1000", s.responseOf(rec).Cost)
}

func (s *ServiceSuite) TestHandlerFailureIsFree() {
	rec := s.send("/fail", s.request(nil))
	s.Equal(http.StatusInternalServerError, rec.Code)
	res := s.responseOf(rec)
	s.Equal("0", res.Cost)
	proposal := s.proposalOf(res)
	s.Equal(uint64(1), proposal.Nonce)
	s.Equal("0", proposal.Amount().String())
}

func (s *ServiceSuite) TestDeferredStreamCarriesOneControlFrame() {
	rec := s.send("/stream", s.request(nil))
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(1, strings.Count(rec.Body.String(), payment.ControlKey))

	var values []string
	filtered := payment.NewStreamFilter(payment.FormatSSE, io.NopCloser(strings.NewReader(rec.Body.String())),
		func(v string) { values = append(values, v) }, nil)
	business, err := io.ReadAll(filtered)
	s.Require().NoError(err)
	s.Equal("data: {\"chunk\":0}\n\ndata: {\"chunk\":1}\n\n", string(business))
	s.Require().Len(values, 1)

	res, err := payment.DecodeResponse(values[0])
	s.Require().NoError(err)
	s.Equal("15", res.Cost)
	s.Equal(uint64(1), s.proposalOf(res).Nonce)
}

func (s *ServiceSuite) TestEagerStreamEmitsFrameFirst() {
	rec := s.send("/eager-stream", s.request(nil))
	s.Require().Equal(http.StatusOK, rec.Code)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	s.Require().Len(lines, 2)
	s.Contains(lines[0], payment.ControlKey)
	s.Equal(`{"chunk":0}`, lines[1])

	var frame map[string]string
	s.Require().NoError(json.Unmarshal([]byte(lines[0]), &frame))
	s.Equal(rec.Header().Get(payment.HeaderName), frame[payment.ControlKey])
	s.Equal("3", s.responseOf(rec).Cost)
}

func (s *ServiceSuite) TestClosingChannelSettlesButRefuses() {
	proposal := s.first("/paid")
	_, err := s.manager.StartPayerClose(s.ctx, s.channelID)
	s.Require().NoError(err)

	rec := s.send("/paid", s.request(s.sign(proposal, s.payer)))
	s.Equal(http.StatusGone, rec.Code)
	s.Equal(payment.CodeChannelClosed, s.errorCode(rec))
	s.Equal(uint64(1), s.confirmed().Nonce)
	s.Equal([]common.Hash{s.channelID}, s.claims.triggered)
}

func (s *ServiceSuite) TestClosedChannelRefused() {
	s.Require().NoError(s.manager.CloseByPayee(s.ctx, s.channelID))
	rec := s.send("/paid", s.request(nil))
	s.Equal(payment.CodeChannelClosed, s.errorCode(rec))
}

func (s *ServiceSuite) TestRecoveryReportsOutstandingProposal() {
	proposal := s.first("/paid")
	target := fmt.Sprintf("/payment-channel/recovery?channelId=%s&vmIdFragment=k1", s.channelID.Hex())
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	s.Require().Equal(http.StatusOK, rec.Code)

	var state RecoveryState
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &state))
	s.Equal(uint64(0), state.ConfirmedNonce)
	s.Equal("0", state.ConfirmedAmount)
	expected, err := subrav.ToHex(proposal)
	s.Require().NoError(err)
	s.Equal(expected, state.PendingSubRAV)
	s.Equal(string(channel.SubChannelsAuthorized), state.ChannelState)
}

func (s *ServiceSuite) TestRecoveryRejectsBadChannel() {
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payment-channel/recovery?channelId=0x12&vmIdFragment=k1", nil))
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *ServiceSuite) TestAdminRoutes() {
	target := fmt.Sprintf("/payment-channel/admin/claims/%s/trigger", s.channelID.Hex())
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, nil))
	s.Equal(http.StatusBadRequest, rec.Code)

	for _, queued := range []bool{true, false} {
		req := httptest.NewRequest(http.MethodPost, target, nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer secret")
		rec = httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		s.Require().Equal(http.StatusAccepted, rec.Code)
		var result TriggerResult
		s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &result))
		s.Equal(queued, result.Queued)
	}

	req := httptest.NewRequest(http.MethodGet, "/payment-channel/admin/claims", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer secret")
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	s.Require().Equal(http.StatusOK, rec.Code)
	var status []claimer.ChannelStatus
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &status))
	s.Require().Len(status, 1)
	s.Equal(s.channelID.Hex(), status[0].ChannelID)
}

func (s *ServiceSuite) admin(method string, target string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/payment-channel/admin"+target, strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer secret")
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func (s *ServiceSuite) channelView(rec *httptest.ResponseRecorder) ChannelView {
	var view ChannelView
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &view), rec.Body.String())
	return view
}

func (s *ServiceSuite) TestChannelAdminLifecycle() {
	rec := s.admin(http.MethodPost, "/channels", fmt.Sprintf(`{"payer":%q,"asset":%q}`, s.stranger, asset))
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	view := s.channelView(rec)
	s.Equal(channel.Opened, view.State)
	s.Equal(payee, view.Payee)
	s.Equal(s.stranger, view.Payer)
	s.Empty(view.SubChannels)
	base := "/channels/" + view.ChannelID

	rec = s.admin(http.MethodPost, base+"/sub-channels", fmt.Sprintf(`{"keyId":%q}`, identity.KeyID(s.stranger, "k1")))
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	view = s.channelView(rec)
	s.Equal(channel.SubChannelsAuthorized, view.State)
	s.Equal([]string{"k1"}, view.SubChannels)

	rec = s.admin(http.MethodPost, base+"/finalize", "")
	s.Equal(http.StatusConflict, rec.Code)

	rec = s.admin(http.MethodPost, base+"/close", "")
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	view = s.channelView(rec)
	s.Equal(channel.Closed, view.State)
	s.Equal(uint64(1), view.Epoch)

	rec = s.admin(http.MethodPost, base+"/close", "")
	s.Equal(http.StatusConflict, rec.Code)

	rec = s.admin(http.MethodPost, base+"/reopen", "")
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	view = s.channelView(rec)
	s.Equal(channel.Opened, view.State)
	s.Equal(uint64(1), view.Epoch)

	rec = s.admin(http.MethodGet, "/channels", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	var views []ChannelView
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &views))
	s.Len(views, 2)
}

func (s *ServiceSuite) TestChannelAdminPayerClose() {
	base := "/channels/" + s.channelID.Hex()
	rec := s.admin(http.MethodPost, base+"/challenge", "")
	s.Equal(http.StatusConflict, rec.Code)

	rec = s.admin(http.MethodPost, base+"/start-close", "")
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	view := s.channelView(rec)
	s.Equal(channel.Closing, view.State)
	s.Require().NotNil(view.ChallengeEndsAt)

	rec = s.admin(http.MethodPost, base+"/challenge", "")
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var report ClaimReportView
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &report))
	s.Equal(0, report.Submitted)
	s.Equal("0", report.Paid)

	rec = s.admin(http.MethodPost, base+"/finalize", "")
	s.Equal(http.StatusConflict, rec.Code)
}

func (s *ServiceSuite) TestChannelAdminCooperativeClose() {
	proposal := s.first("/paid")
	wire, err := payment.EncodeSigned(s.sign(proposal, s.payer))
	s.Require().NoError(err)
	body, err := json.Marshal(wire)
	s.Require().NoError(err)

	rec := s.admin(http.MethodPost, "/channels/"+s.channelID.Hex()+"/cooperative-close", string(body))
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	view := s.channelView(rec)
	s.Equal(channel.Closed, view.State)
	info, err := s.contract.Channel(s.ctx, s.channelID)
	s.Require().NoError(err)
	s.Equal("10", info.SubChannels["k1"].ClaimedAmount.String())
}

func (s *ServiceSuite) TestChannelAdminErrors() {
	rec := s.admin(http.MethodGet, "/channels/"+common.Hash{1}.Hex(), "")
	s.Equal(http.StatusNotFound, rec.Code)
	rec = s.admin(http.MethodGet, "/channels/0x12", "")
	s.Equal(http.StatusBadRequest, rec.Code)
	rec = s.admin(http.MethodPost, "/channels", `{"payer":""}`)
	s.Equal(http.StatusBadRequest, rec.Code)
	rec = s.admin(http.MethodPost, "/channels/"+s.channelID.Hex()+"/sub-channels", `{"keyId":"nope"}`)
	s.Equal(http.StatusBadRequest, rec.Code)
	rec = s.admin(http.MethodPost, "/channels/"+s.channelID.Hex()+"/sub-channels",
		fmt.Sprintf(`{"keyId":%q}`, identity.KeyID(s.payer, "unknown")))
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *ServiceSuite) TestHealth() {
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payment-channel/health", nil))
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"status":"ok","chainId":31337}`, rec.Body.String())
}

func (s *ServiceSuite) TestSqlProposalStore() {
	store := s.processor.Proposals
	got, err := store.Get(s.ctx, s.channelID, "k9")
	s.Require().NoError(err)
	s.Nil(got)
	first := subrav.New(chainID, s.channelID, 0, "k9", big.NewInt(1), 1)
	second := subrav.New(chainID, s.channelID, 0, "k9", big.NewInt(2), 2)
	s.Require().NoError(store.Put(s.ctx, first))
	s.Require().NoError(store.Put(s.ctx, second))
	got, err = store.Get(s.ctx, s.channelID, "k9")
	s.Require().NoError(err)
	s.True(second.Equal(*got))
	s.Require().NoError(store.Delete(s.ctx, s.channelID, "k9"))
	got, err = store.Get(s.ctx, s.channelID, "k9")
	s.Require().NoError(err)
	s.Nil(got)
}
