package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/calindra/subrav/internal/identity"
	"github.com/calindra/subrav/internal/subrav"
	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChannelContractABI is the interface of the payment channel contract.
const ChannelContractABI = `[
	{"type":"function","name":"openChannel","stateMutability":"nonpayable",
	 "inputs":[{"name":"payee","type":"address"},{"name":"asset","type":"address"}],
	 "outputs":[{"name":"channelId","type":"bytes32"}]},
	{"type":"function","name":"authorizeSubChannel","stateMutability":"nonpayable",
	 "inputs":[{"name":"channelId","type":"bytes32"},{"name":"vmIdFragment","type":"string"},
	           {"name":"publicKey","type":"bytes"},{"name":"algorithm","type":"string"}],
	 "outputs":[]},
	{"type":"function","name":"claim","stateMutability":"nonpayable",
	 "inputs":[{"name":"subRavs","type":"bytes[]"},{"name":"signatures","type":"bytes[]"}],
	 "outputs":[]},
	{"type":"function","name":"closeChannel","stateMutability":"nonpayable",
	 "inputs":[{"name":"channelId","type":"bytes32"},{"name":"immediate","type":"bool"}],
	 "outputs":[]},
	{"type":"function","name":"finalizeClose","stateMutability":"nonpayable",
	 "inputs":[{"name":"channelId","type":"bytes32"}],
	 "outputs":[]},
	{"type":"function","name":"getChannel","stateMutability":"view",
	 "inputs":[{"name":"channelId","type":"bytes32"}],
	 "outputs":[{"name":"payer","type":"address"},{"name":"payee","type":"address"},
	            {"name":"asset","type":"address"},{"name":"epoch","type":"uint64"},
	            {"name":"status","type":"uint8"},{"name":"challengeEndsAt","type":"uint64"}]},
	{"type":"event","name":"ChannelOpened","anonymous":false,
	 "inputs":[{"name":"channelId","type":"bytes32","indexed":true},
	           {"name":"payer","type":"address","indexed":true},
	           {"name":"payee","type":"address","indexed":true}]},
	{"type":"event","name":"Claimed","anonymous":false,
	 "inputs":[{"name":"channelId","type":"bytes32","indexed":true},
	           {"name":"vmIdFragment","type":"string","indexed":false},
	           {"name":"nonce","type":"uint64","indexed":false},
	           {"name":"paid","type":"uint256","indexed":false}]}
]`

const DefaultConfirmTimeout = 2 * time.Minute

// Backend is what the EVM contract needs from an RPC client.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// EVMContract drives the channel contract through go-ethereum bindings.
type EVMContract struct {
	ConfirmTimeout time.Duration

	backend  Backend
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
	auth     *bind.TransactOpts
}

// DialEVM connects to rpcURL and signs transactions with key.
func DialEVM(ctx context.Context, rpcURL string, address common.Address, key *ecdsa.PrivateKey) (*EVMContract, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrSettlementUnavailable, rpcURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id: %w", ErrSettlementUnavailable, err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, err
	}
	return NewEVMContract(client, address, auth)
}

func NewEVMContract(backend Backend, address common.Address, auth *bind.TransactOpts) (*EVMContract, error) {
	parsed, err := abi.JSON(strings.NewReader(ChannelContractABI))
	if err != nil {
		return nil, fmt.Errorf("settlement: parse abi: %w", err)
	}
	return &EVMContract{
		ConfirmTimeout: DefaultConfirmTimeout,
		backend:        backend,
		address:        address,
		abi:            parsed,
		contract:       bind.NewBoundContract(address, parsed, backend, backend, backend),
		auth:           auth,
	}, nil
}

// AddressFromDID extracts the account of a did:ethr or did:pkh identity.
func AddressFromDID(did string) (common.Address, error) {
	parts := strings.Split(did, ":")
	last := parts[len(parts)-1]
	if len(parts) < 3 || !common.IsHexAddress(last) {
		return common.Address{}, fmt.Errorf("settlement: %q does not name an account", did)
	}
	return common.HexToAddress(last), nil
}

// classify maps transport and revert errors onto settlement errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "not authorized"):
		return fmt.Errorf("%w: %w", ErrInsufficientAuthorization, err)
	case strings.Contains(msg, "challenge"):
		return fmt.Errorf("%w: %w", ErrChallengeWindowOpen, err)
	case strings.Contains(msg, "channel closed"):
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	case strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("%w: %w", ErrTransactionReverted, err)
	default:
		return fmt.Errorf("%w: %w", ErrSettlementUnavailable, err)
	}
}

func (e *EVMContract) transact(ctx context.Context, method string, args ...any) (*types.Receipt, error) {
	opts := *e.auth
	opts.Context = ctx
	tx, err := e.contract.Transact(&opts, method, args...)
	if err != nil {
		return nil, classify(err)
	}
	slog.Debug("settlement: transaction sent", "method", method, "tx", tx.Hash().Hex())
	receipt, err := e.waitReceipt(ctx, tx)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s tx %s", ErrTransactionReverted, method, tx.Hash().Hex())
	}
	return receipt, nil
}

func (e *EVMContract) waitReceipt(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	receipt, err := backoff.Retry(ctx, func() (*types.Receipt, error) {
		receipt, err := e.backend.TransactionReceipt(ctx, tx.Hash())
		if errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return receipt, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(e.ConfirmTimeout))
	if err != nil {
		return nil, fmt.Errorf("%w: waiting for %s: %w", ErrSettlementUnavailable, tx.Hash().Hex(), err)
	}
	return receipt, nil
}

func (e *EVMContract) OpenChannel(ctx context.Context, payer string, payee string, asset string) (common.Hash, error) {
	payeeAddr, err := AddressFromDID(payee)
	if err != nil {
		return common.Hash{}, err
	}
	if !common.IsHexAddress(asset) {
		return common.Hash{}, fmt.Errorf("settlement: asset %q is not an address", asset)
	}
	receipt, err := e.transact(ctx, "openChannel", payeeAddr, common.HexToAddress(asset))
	if err != nil {
		return common.Hash{}, err
	}
	opened := e.abi.Events["ChannelOpened"]
	for _, vLog := range receipt.Logs {
		if len(vLog.Topics) == 4 && vLog.Topics[0] == opened.ID {
			return vLog.Topics[1], nil
		}
	}
	return common.Hash{}, fmt.Errorf("settlement: openChannel tx %s emitted no ChannelOpened", receipt.TxHash.Hex())
}

func (e *EVMContract) AuthorizeSubChannel(ctx context.Context, channelID common.Hash, vm identity.VerificationMethod) error {
	_, fragment, err := identity.SplitKeyID(vm.ID)
	if err != nil {
		return err
	}
	_, err = e.transact(ctx, "authorizeSubChannel", channelID, fragment, vm.PublicKey, string(vm.Algorithm))
	return err
}

func (e *EVMContract) Claim(ctx context.Context, vouchers []*subrav.SignedSubRAV) ([]ClaimResult, error) {
	encoded := make([][]byte, len(vouchers))
	signatures := make([][]byte, len(vouchers))
	for i, v := range vouchers {
		data, err := subrav.Encode(v.SubRAV)
		if err != nil {
			return nil, err
		}
		encoded[i] = data
		signatures[i] = v.Signature
	}
	receipt, err := e.transact(ctx, "claim", encoded, signatures)
	if err != nil {
		return nil, err
	}
	paid := e.claimedEvents(receipt)
	results := make([]ClaimResult, len(vouchers))
	for i, v := range vouchers {
		results[i] = ClaimResult{
			ChannelID:    v.SubRAV.ChannelID,
			Epoch:        v.SubRAV.ChannelEpoch,
			VmIdFragment: v.SubRAV.VmIdFragment,
			Nonce:        v.SubRAV.Nonce,
			TxHash:       receipt.TxHash.Hex(),
		}
		k := claimedKey{v.SubRAV.ChannelID, v.SubRAV.VmIdFragment, v.SubRAV.Nonce}
		if amount, ok := paid[k]; ok {
			results[i].Paid = amount
		} else {
			results[i].Err = fmt.Errorf("%w: no Claimed event for nonce %d", ErrStaleVoucher, v.SubRAV.Nonce)
		}
	}
	return results, nil
}

type claimedKey struct {
	channelID common.Hash
	fragment  string
	nonce     uint64
}

func (e *EVMContract) claimedEvents(receipt *types.Receipt) map[claimedKey]*big.Int {
	event := e.abi.Events["Claimed"]
	paid := make(map[claimedKey]*big.Int)
	for _, vLog := range receipt.Logs {
		if len(vLog.Topics) < 2 || vLog.Topics[0] != event.ID {
			continue
		}
		decoded := struct {
			VmIdFragment string
			Nonce        uint64
			Paid         *big.Int
		}{}
		if err := e.abi.UnpackIntoInterface(&decoded, "Claimed", vLog.Data); err != nil {
			slog.Debug("settlement: failed to decode Claimed",
				"data", common.Bytes2Hex(vLog.Data),
				"err", err,
			)
			continue
		}
		paid[claimedKey{vLog.Topics[1], decoded.VmIdFragment, decoded.Nonce}] = decoded.Paid
	}
	return paid
}

func (e *EVMContract) CloseChannel(ctx context.Context, channelID common.Hash, mode CloseMode) error {
	_, err := e.transact(ctx, "closeChannel", channelID, mode == CloseImmediate)
	return err
}

func (e *EVMContract) FinalizeClose(ctx context.Context, channelID common.Hash) error {
	_, err := e.transact(ctx, "finalizeClose", channelID)
	return err
}

func (e *EVMContract) Channel(ctx context.Context, channelID common.Hash) (*ChannelInfo, error) {
	var out []any
	err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getChannel", channelID)
	if err != nil {
		return nil, classify(err)
	}
	if len(out) != 6 {
		return nil, fmt.Errorf("settlement: getChannel returned %d values", len(out))
	}
	payer, _ := out[0].(common.Address)
	if payer == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID.Hex())
	}
	payee, _ := out[1].(common.Address)
	asset, _ := out[2].(common.Address)
	epoch, _ := out[3].(uint64)
	status, _ := out[4].(uint8)
	challengeEndsAt, _ := out[5].(uint64)
	info := &ChannelInfo{
		ChannelID: channelID,
		Payer:     identity.EthrDID(payer),
		Payee:     identity.EthrDID(payee),
		Asset:     asset.Hex(),
		Epoch:     epoch,
		Status:    Status(status),
	}
	if challengeEndsAt > 0 {
		info.ChallengeEndsAt = time.Unix(int64(challengeEndsAt), 0)
	}
	return info, nil
}
