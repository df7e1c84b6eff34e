// Copyright (c) Gabriel de Quadros Ligneul
// SPDX-License-Identifier: Apache-2.0 (see LICENSE)

// This package contains the node run function.
// This is separate from the main package to facilitate testing.
package node

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/calindra/subrav/internal/billing"
	"github.com/calindra/subrav/internal/channel"
	"github.com/calindra/subrav/internal/claimer"
	"github.com/calindra/subrav/internal/commons"
	"github.com/calindra/subrav/internal/echoapp"
	"github.com/calindra/subrav/internal/identity"
	"github.com/calindra/subrav/internal/payment"
	"github.com/calindra/subrav/internal/service"
	"github.com/calindra/subrav/internal/settlement"
	"github.com/calindra/subrav/internal/supervisor"
	"github.com/calindra/subrav/internal/tracker"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const DefaultHttpPort = 8080
const DefaultChainID = 31337
const HttpTimeout = 10 * time.Second
const dialTimeout = 30 * time.Second

// Options to the node.
type NodeOpts struct {
	HttpAddress string
	HttpPort    int

	ChainID uint64

	// sqlite (default) or postgres.
	DbImplementation string
	// Empty keeps the sqlite database in memory.
	SqliteFile  string
	PostgresDsn string

	// If RpcUrl is set, settle on the contract at ContractAddress instead
	// of the in-process contract.
	RpcUrl          string
	ContractAddress string

	// The payee key: PrivateKey when set, otherwise the account at
	// AccountIndex of Mnemonic.
	Mnemonic     string
	AccountIndex uint32
	PrivateKey   string

	// YAML pricing rules. Without it the node prices only the echo routes.
	PricingFile string

	ClaimInterval  time.Duration
	MinClaimAmount string

	// If set, resolve DID documents at this universal resolver.
	ResolverUrl     string
	ResolverTimeout time.Duration

	// Empty leaves the voucher delta unbounded.
	MaxAmountPerRequest string

	// Challenge window of the in-process contract.
	ChallengePeriod time.Duration

	// If set, admin routes require it as a bearer token.
	AdminToken string

	// If set, serve the built-in priced echo application.
	EnableEcho bool

	TimeoutWorker time.Duration
}

// Create the options struct with default values.
func NewNodeOpts() NodeOpts {
	return NodeOpts{
		HttpAddress:         "127.0.0.1",
		HttpPort:            DefaultHttpPort,
		ChainID:             DefaultChainID,
		DbImplementation:    commons.DbSqlite,
		SqliteFile:          "",
		PostgresDsn:         "",
		RpcUrl:              "",
		ContractAddress:     "",
		Mnemonic:            identity.DevMnemonic,
		AccountIndex:        1,
		PrivateKey:          "",
		PricingFile:         "",
		ClaimInterval:       claimer.DefaultClaimInterval,
		MinClaimAmount:      "0",
		ResolverUrl:         "",
		ResolverTimeout:     5 * time.Second,
		MaxAmountPerRequest: "",
		ChallengePeriod:     settlement.DefaultChallengePeriod,
		AdminToken:          "",
		EnableEcho:          false,
		TimeoutWorker:       supervisor.DefaultSupervisorTimeout,
	}
}

// PayeeKey returns the key the node settles with.
func (opts NodeOpts) PayeeKey() (*ecdsa.PrivateKey, error) {
	if opts.PrivateKey != "" {
		return identity.PrivateKeyFromHex(opts.PrivateKey)
	}
	return identity.PrivateKeyFromMnemonic(opts.Mnemonic, opts.AccountIndex)
}

func parseAmount(name string, s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("node: invalid %s %q", name, s)
	}
	return v, nil
}

// Create the node supervisor.
func NewSupervisor(opts NodeOpts) (supervisor.SupervisorWorker, error) {
	var w supervisor.SupervisorWorker
	w.Name = "node"
	w.Timeout = opts.TimeoutWorker

	key, err := opts.PayeeKey()
	if err != nil {
		return w, err
	}
	payee := identity.DIDFromKey(key)
	maxAmount, err := parseAmount("max amount per request", opts.MaxAmountPerRequest)
	if err != nil {
		return w, err
	}
	minClaim, err := parseAmount("min claim amount", opts.MinClaimAmount)
	if err != nil {
		return w, err
	}
	registry, err := loadRegistry(opts)
	if err != nil {
		return w, err
	}

	db, err := commons.OpenDb(opts.DbImplementation, opts.SqliteFile, opts.PostgresDsn)
	if err != nil {
		return w, err
	}
	ledger := &tracker.SqlStore{Db: db}
	vouchers := &claimer.VoucherRepository{Db: db}
	proposals := &service.SqlProposalStore{Db: db}
	if err := createTables(db, ledger, vouchers, proposals); err != nil {
		return w, err
	}

	contract, err := newContract(opts, key)
	if err != nil {
		db.Close()
		return w, err
	}

	resolver := newResolver(opts)
	ledgerTracker := tracker.New(ledger)
	claimService := claimer.NewClaimService(vouchers, contract)
	claimWorker := claimer.NewClaimerWorker(claimService, opts.ClaimInterval, minClaim)
	manager := channel.NewManager(contract, ledgerTracker, claimService, vouchers, resolver)
	processor := &service.Processor{
		Config: service.Config{
			ChainID:             opts.ChainID,
			MaxAmountPerRequest: maxAmount,
		},
		Registry:  registry,
		Tracker:   ledgerTracker,
		Channels:  manager,
		Resolver:  resolver,
		Proposals: proposals,
		Vouchers:  vouchers,
		Claims:    claimWorker,
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		ExposeHeaders: []string{payment.HeaderName},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Skipper:      isStreamRequest,
		ErrorMessage: "Request timed out",
		Timeout:      HttpTimeout,
	}))
	service.Register(e, processor, &service.Admin{
		Claims:   claimWorker,
		Channels: manager,
		Payee:    payee,
		Token:    opts.AdminToken,
	})
	if opts.EnableEcho {
		echoapp.Register(e, processor.Middleware())
	}
	slog.Info("node: configured",
		"payee", payee,
		"chainId", opts.ChainID,
		"operations", registry.Operations(),
	)

	w.Workers = append(w.Workers, claimWorker)
	w.Workers = append(w.Workers, supervisor.HttpWorker{
		Address: fmt.Sprintf("%v:%v", opts.HttpAddress, opts.HttpPort),
		Handler: e,
	})
	return w, nil
}

func loadRegistry(opts NodeOpts) (*billing.Registry, error) {
	if opts.PricingFile != "" {
		f, err := os.Open(opts.PricingFile)
		if err != nil {
			return nil, fmt.Errorf("node: pricing file: %w", err)
		}
		defer f.Close()
		return billing.LoadRegistry(f)
	}
	if opts.EnableEcho {
		return echoapp.DefaultRegistry()
	}
	return billing.NewRegistry(), nil
}

type tableCreator interface {
	CreateTables() error
}

func createTables(db *sqlx.DB, repos ...tableCreator) error {
	for _, repo := range repos {
		if err := repo.CreateTables(); err != nil {
			db.Close()
			return err
		}
	}
	return nil
}

func newContract(opts NodeOpts, key *ecdsa.PrivateKey) (settlement.Contract, error) {
	if opts.RpcUrl == "" {
		memory := settlement.NewMemory()
		memory.ChallengePeriod = opts.ChallengePeriod
		slog.Info("node: using the in-process settlement contract")
		return memory, nil
	}
	if !common.IsHexAddress(opts.ContractAddress) {
		return nil, fmt.Errorf("node: invalid contract address %q", opts.ContractAddress)
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	return settlement.DialEVM(ctx, opts.RpcUrl, common.HexToAddress(opts.ContractAddress), key)
}

// newResolver resolves did:ethr controllers offline and everything else
// through the configured DID resolver.
func newResolver(opts NodeOpts) identity.Resolver {
	chain := identity.Chain{identity.EthrResolver{}}
	if opts.ResolverUrl != "" {
		chain = append(chain, identity.NewHTTPResolver(opts.ResolverUrl))
	}
	return identity.WithTimeout(chain, opts.ResolverTimeout)
}

// Streams are flushed as they are produced, which the timeout middleware
// does not support.
func isStreamRequest(c echo.Context) bool {
	accept := c.Request().Header.Get(echo.HeaderAccept)
	return strings.Contains(accept, "text/event-stream") || strings.Contains(accept, "ndjson")
}
