package claimer

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/calindra/subrav/internal/commons"
	"github.com/calindra/subrav/internal/identity"
	"github.com/calindra/subrav/internal/settlement"
	"github.com/calindra/subrav/internal/subrav"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/suite"
)

const payee = "did:ethr:0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

type ClaimerSuite struct {
	suite.Suite
	ctx        context.Context
	cancel     context.CancelFunc
	repository *VoucherRepository
	contract   *settlement.Memory
	service    *ClaimerService
	keys       *identity.KeyStore
	payer      string
	channelID  common.Hash
}

func TestClaimerSuite(t *testing.T) {
	suite.Run(t, new(ClaimerSuite))
}

func (s *ClaimerSuite) SetupTest() {
	commons.ConfigureLog(slog.LevelDebug)
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
	db := sqlx.MustConnect("sqlite3", ":memory:")
	db.SetMaxOpenConns(1)
	s.repository = &VoucherRepository{Db: db}
	s.Require().NoError(s.repository.CreateTables())

	s.contract = settlement.NewMemory()
	s.service = NewClaimService(s.repository, s.contract)
	s.service.InitialInterval = 10 * time.Millisecond
	s.service.MaxElapsed = 2 * time.Second

	s.keys = identity.NewKeyStore()
	key, err := identity.PrivateKeyFromMnemonic(identity.DevMnemonic, 0)
	s.Require().NoError(err)
	s.payer = identity.DIDFromKey(key)
	s.keys.AddSecp256k1(s.payer, "k1", key)
	s.keys.AddSecp256k1(s.payer, "k2", key)

	s.channelID, err = s.contract.OpenChannel(s.ctx, s.payer, payee, "0xasset")
	s.Require().NoError(err)
	vm, err := s.keys.Resolve(s.ctx, s.payer, "k1")
	s.Require().NoError(err)
	s.Require().NoError(s.contract.AuthorizeSubChannel(s.ctx, s.channelID, *vm))
}

func (s *ClaimerSuite) TearDownTest() {
	s.cancel()
}

func (s *ClaimerSuite) save(fragment string, nonce uint64, amount int64) *subrav.SignedSubRAV {
	r := subrav.New(1, s.channelID, 0, fragment, big.NewInt(amount), nonce)
	signed, err := subrav.Sign(s.ctx, r, s.keys, identity.KeyID(s.payer, fragment))
	s.Require().NoError(err)
	s.Require().NoError(s.repository.Save(s.ctx, signed))
	return signed
}

func (s *ClaimerSuite) TestRepositoryKeepsNewest() {
	s.save("k1", 2, 200)
	s.save("k1", 1, 100)
	latest, err := s.repository.Latest(s.ctx, s.channelID, 0, "k1")
	s.Require().NoError(err)
	s.Equal(uint64(2), latest.Signed.SubRAV.Nonce)
	s.Equal(int64(200), latest.Unclaimed().Int64())

	s.save("k1", 3, 300)
	s.Require().NoError(s.repository.MarkClaimed(s.ctx, s.channelID, 0, "k1", 3, big.NewInt(300)))
	unclaimed, err := s.repository.FindUnclaimed(s.ctx, &s.channelID)
	s.Require().NoError(err)
	s.Empty(unclaimed)

	missing, err := s.repository.Latest(s.ctx, s.channelID, 0, "nope")
	s.Require().NoError(err)
	s.Nil(missing)
}

func (s *ClaimerSuite) TestClaimChannel() {
	s.save("k1", 4, 400)
	report, err := s.service.ClaimChannel(s.ctx, s.channelID)
	s.Require().NoError(err)
	s.Equal(1, report.Claimed)
	s.Equal(int64(400), report.Paid.Int64())

	s.save("k1", 6, 650)
	report, err = s.service.ClaimChannel(s.ctx, s.channelID)
	s.Require().NoError(err)
	s.Equal(int64(250), report.Paid.Int64())

	info, err := s.contract.Channel(s.ctx, s.channelID)
	s.Require().NoError(err)
	s.Equal(uint64(6), info.SubChannels["k1"].ClaimedNonce)

	report, err = s.service.ClaimChannel(s.ctx, s.channelID)
	s.Require().NoError(err)
	s.Zero(report.Submitted)
}

func (s *ClaimerSuite) TestUnauthorizedIsParked() {
	s.save("k2", 1, 10)
	report, err := s.service.ClaimChannel(s.ctx, s.channelID)
	s.Require().NoError(err)
	s.Require().Len(report.Failures, 1)
	s.ErrorIs(report.Failures[0].Err, settlement.ErrInsufficientAuthorization)

	unclaimed, err := s.repository.FindUnclaimed(s.ctx, &s.channelID)
	s.Require().NoError(err)
	s.Empty(unclaimed)

	// a newer voucher is tried again once the key gets authorized
	vm, err := s.keys.Resolve(s.ctx, s.payer, "k2")
	s.Require().NoError(err)
	s.Require().NoError(s.contract.AuthorizeSubChannel(s.ctx, s.channelID, *vm))
	s.save("k2", 2, 20)
	report, err = s.service.ClaimChannel(s.ctx, s.channelID)
	s.Require().NoError(err)
	s.Equal(1, report.Claimed)
	s.Equal(int64(20), report.Paid.Int64())
}

func (s *ClaimerSuite) TestRetriesWhileUnavailable() {
	s.save("k1", 1, 100)
	s.contract.SetAvailable(false)
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.contract.SetAvailable(true)
	}()
	report, err := s.service.ClaimChannel(s.ctx, s.channelID)
	s.Require().NoError(err)
	s.Equal(1, report.Claimed)
}

func (s *ClaimerSuite) TestGivesUpAfterMaxElapsed() {
	s.save("k1", 1, 100)
	s.contract.SetAvailable(false)
	s.service.MaxElapsed = 100 * time.Millisecond
	_, err := s.service.ClaimChannel(s.ctx, s.channelID)
	s.ErrorIs(err, settlement.ErrSettlementUnavailable)

	unclaimed, err := s.repository.FindUnclaimed(s.ctx, &s.channelID)
	s.Require().NoError(err)
	s.Len(unclaimed, 1)
}

func (s *ClaimerSuite) TestWorkerTrigger() {
	s.save("k1", 1, 100)
	worker := NewClaimerWorker(s.service, time.Hour, big.NewInt(0))
	s.True(worker.Trigger(s.channelID))
	s.False(worker.Trigger(s.channelID))

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	ready := make(chan struct{}, 1)
	go func() {
		_ = worker.Start(ctx, ready)
	}()
	<-ready
	s.Eventually(func() bool {
		st, ok := worker.ChannelStatus(s.channelID)
		return ok && st.ClaimedVouchers == 1 && !st.InFlight
	}, 3*time.Second, 10*time.Millisecond)
	status := worker.Status()
	s.Require().Len(status, 1)
	s.Equal("100", status[0].TotalPaid)
	s.Empty(status[0].LastError)
	s.False(status[0].Queued)
}

func (s *ClaimerSuite) TestWorkerScanHonorsMinimum() {
	s.save("k1", 1, 100)
	worker := NewClaimerWorker(s.service, 20*time.Millisecond, big.NewInt(1000))
	ctx, cancel := context.WithCancel(s.ctx)
	ready := make(chan struct{}, 1)
	go func() {
		_ = worker.Start(ctx, ready)
	}()
	<-ready
	time.Sleep(100 * time.Millisecond)
	_, seen := worker.ChannelStatus(s.channelID)
	s.False(seen)

	s.save("k1", 2, 1500)
	s.Eventually(func() bool {
		st, ok := worker.ChannelStatus(s.channelID)
		return ok && st.ClaimedVouchers == 1
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
}
