// Copyright (c) Gabriel de Quadros Ligneul
// SPDX-License-Identifier: Apache-2.0 (see LICENSE)

// This package contains the main function that executes the subrav command.
package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/calindra/subrav/internal/commons"
	"github.com/calindra/subrav/internal/identity"
	"github.com/calindra/subrav/internal/node"
	"github.com/calindra/subrav/internal/payment"
	"github.com/calindra/subrav/internal/subrav"
	"github.com/carlmjohnson/versioninfo"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var startupMessage = `
Payment channel node started at http://HTTP_ADDRESS:HTTP_PORT
Recovery running at http://HTTP_ADDRESS:HTTP_PORT/payment-channel/recovery
Admin running at http://HTTP_ADDRESS:HTTP_PORT/payment-channel/admin/
Press Ctrl+C to stop the node
`

var cmd = &cobra.Command{
	Use:     "subrav [flags]",
	Short:   "subrav is a payee node for SubRAV payment channels",
	Run:     run,
	Version: versioninfo.Short(),
}

var CompletionCmd = &cobra.Command{
	Use:                   "completion",
	Short:                 "Generate shell completion scripts",
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Run: func(cmd *cobra.Command, args []string) {
		switch args[0] {
		case "bash":
			cobra.CheckErr(cmd.Root().GenBashCompletion(os.Stdout))
		case "zsh":
			cobra.CheckErr(cmd.Root().GenZshCompletion(os.Stdout))
		case "fish":
			cobra.CheckErr(cmd.Root().GenFishCompletion(os.Stdout, true))
		case "powershell":
			cobra.CheckErr(cmd.Root().GenPowerShellCompletion(os.Stdout))
		}
	},
}

// Key selection shared by the address and sign commands.
type KeyOpts struct {
	Mnemonic     string
	AccountIndex uint32
	PrivateKey   string
	Fragment     string
}

var (
	debug   bool
	color   bool
	opts    = node.NewNodeOpts()
	keyOpts = KeyOpts{Mnemonic: identity.DevMnemonic, Fragment: identity.ControllerFragment}
)

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Show the DID, address and public key of a key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := keyOpts.key()
		if err != nil {
			return err
		}
		did := identity.DIDFromKey(key)
		return printJSON(map[string]string{
			"did":       did,
			"keyId":     identity.KeyID(did, keyOpts.Fragment),
			"address":   crypto.PubkeyToAddress(key.PublicKey).Hex(),
			"publicKey": hexutil.Encode(crypto.CompressPubkey(&key.PublicKey)),
		})
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode <header-value | 0x-subrav>",
	Short: "Decode a payment header value or a hex encoded SubRAV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := strings.TrimSpace(args[0])
		if strings.HasPrefix(value, "0x") {
			r, err := subrav.FromHex(value)
			if err != nil {
				return err
			}
			return printJSON(viewOfSubRAV(r))
		}
		if req, err := payment.DecodeRequest(value); err == nil && (req.SignedSubRAV != nil || req.ChannelID != "") {
			out := map[string]any{"request": req}
			if req.SignedSubRAV != nil {
				if signed, err := payment.DecodeSigned(req.SignedSubRAV); err == nil {
					out["subRav"] = viewOfSubRAV(signed.SubRAV)
				}
			}
			return printJSON(out)
		}
		res, err := payment.DecodeResponse(value)
		if err != nil {
			return err
		}
		out := map[string]any{"response": res}
		if proposal, err := res.Proposal(); err == nil && proposal != nil {
			out["subRav"] = viewOfSubRAV(*proposal)
		}
		return printJSON(out)
	},
}

var signCmd = &cobra.Command{
	Use:   "sign <0x-subrav>",
	Short: "Sign a hex encoded SubRAV, e.g. the final voucher of a cooperative close",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := subrav.FromHex(strings.TrimSpace(args[0]))
		if err != nil {
			return err
		}
		key, err := keyOpts.key()
		if err != nil {
			return err
		}
		keys := identity.NewKeyStore()
		keyID := keys.AddSecp256k1(identity.DIDFromKey(key), keyOpts.Fragment, key)
		signed, err := subrav.Sign(cmd.Context(), r, keys, keyID)
		if err != nil {
			return err
		}
		wire, err := payment.EncodeSigned(signed)
		if err != nil {
			return err
		}
		return printJSON(wire)
	},
}

type subravView struct {
	Version           uint8  `json:"version"`
	ChainID           uint64 `json:"chainId"`
	ChannelID         string `json:"channelId"`
	ChannelEpoch      uint64 `json:"channelEpoch"`
	VmIdFragment      string `json:"vmIdFragment"`
	AccumulatedAmount string `json:"accumulatedAmount"`
	Nonce             uint64 `json:"nonce"`
}

func viewOfSubRAV(r subrav.SubRAV) subravView {
	return subravView{
		Version:           r.Version,
		ChainID:           r.ChainID,
		ChannelID:         r.ChannelID.Hex(),
		ChannelEpoch:      r.ChannelEpoch,
		VmIdFragment:      r.VmIdFragment,
		AccumulatedAmount: r.Amount().String(),
		Nonce:             r.Nonce,
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (k KeyOpts) key() (*ecdsa.PrivateKey, error) {
	if k.PrivateKey != "" {
		return identity.PrivateKeyFromHex(k.PrivateKey)
	}
	return identity.PrivateKeyFromMnemonic(k.Mnemonic, k.AccountIndex)
}

func addKeyFlags(c *cobra.Command) {
	c.Flags().StringVar(&keyOpts.Mnemonic, "mnemonic", keyOpts.Mnemonic, "BIP-39 mnemonic of the key")
	c.Flags().Uint32Var(&keyOpts.AccountIndex, "account-index", keyOpts.AccountIndex,
		"Account index on the Ethereum derivation path")
	c.Flags().StringVar(&keyOpts.PrivateKey, "private-key", keyOpts.PrivateKey,
		"Hex private key; overrides --mnemonic")
	c.Flags().StringVar(&keyOpts.Fragment, "fragment", keyOpts.Fragment,
		"Verification method fragment of the key")
}

func init() {
	// enable-*
	cmd.Flags().BoolVarP(&debug, "enable-debug", "d", false, "If set, enable debug output")
	cmd.Flags().BoolVar(&color, "enable-color", true, "If set, enables logs color")
	cmd.Flags().BoolVar(&opts.EnableEcho, "enable-echo", opts.EnableEcho,
		"If set, the node serves a built-in priced echo application")

	// http-*
	cmd.Flags().StringVar(&opts.HttpAddress, "http-address", opts.HttpAddress,
		"HTTP address used by the node to serve its APIs")
	cmd.Flags().IntVar(&opts.HttpPort, "http-port", opts.HttpPort,
		"HTTP port used by the node to serve its APIs")

	cmd.Flags().Uint64Var(&opts.ChainID, "chain-id", opts.ChainID,
		"Chain id vouchers must be bound to")

	// db-*
	cmd.Flags().StringVar(&opts.DbImplementation, "db-implementation", opts.DbImplementation,
		"DB to use. sqlite or postgres")
	cmd.Flags().StringVar(&opts.SqliteFile, "sqlite-file", opts.SqliteFile,
		"The sqlite file to keep the state; empty keeps it in memory")
	cmd.Flags().StringVar(&opts.PostgresDsn, "postgres-dsn", opts.PostgresDsn,
		"PostgreSQL connection string")

	// rpc-url
	cmd.Flags().StringVar(&opts.RpcUrl, "rpc-url", opts.RpcUrl,
		"If set, the node settles on this chain instead of the in-process contract")
	cmd.Flags().StringVar(&opts.ContractAddress, "contract-address", opts.ContractAddress,
		"Payment channel contract address, required with --rpc-url")

	// payee key
	cmd.Flags().StringVar(&opts.Mnemonic, "mnemonic", opts.Mnemonic, "BIP-39 mnemonic of the payee key")
	cmd.Flags().Uint32Var(&opts.AccountIndex, "account-index", opts.AccountIndex,
		"Account index of the payee key")
	cmd.Flags().StringVar(&opts.PrivateKey, "private-key", opts.PrivateKey,
		"Hex private key of the payee; overrides --mnemonic")

	cmd.Flags().StringVar(&opts.PricingFile, "pricing-file", opts.PricingFile,
		"YAML file with the pricing rules")
	cmd.Flags().StringVar(&opts.MaxAmountPerRequest, "max-amount-per-request", opts.MaxAmountPerRequest,
		"Upper bound of a single voucher increment; empty is unbounded")

	// claim-*
	cmd.Flags().DurationVar(&opts.ClaimInterval, "claim-interval", opts.ClaimInterval,
		"Interval between periodic claims. Example: subrav --claim-interval 30s")
	cmd.Flags().StringVar(&opts.MinClaimAmount, "claim-min-amount", opts.MinClaimAmount,
		"Unclaimed amount below which periodic claims skip a channel")

	// resolver-*
	cmd.Flags().StringVar(&opts.ResolverUrl, "resolver-url", opts.ResolverUrl,
		"If set, resolve DID documents at this universal resolver")
	cmd.Flags().DurationVar(&opts.ResolverTimeout, "resolver-timeout", opts.ResolverTimeout,
		"Timeout for DID resolution")

	cmd.Flags().DurationVar(&opts.ChallengePeriod, "challenge-period", opts.ChallengePeriod,
		"Challenge window of the in-process contract")
	cmd.Flags().StringVar(&opts.AdminToken, "admin-token", opts.AdminToken,
		"If set, admin routes require this bearer token")
	cmd.Flags().DurationVar(&opts.TimeoutWorker, "timeout-worker", opts.TimeoutWorker,
		"Timeout for workers. Example: subrav --timeout-worker 30s")

	addKeyFlags(addressCmd)
	addKeyFlags(signCmd)
}

func run(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	startTime := time.Now()

	// setup log
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	commons.ConfigureLogWithColor(level, color)
	commons.LoadEnv()

	// check args
	if opts.HttpPort == 0 {
		exitf("--http-port cannot be 0")
	}
	if cmd.Flags().Changed("rpc-url") && !cmd.Flags().Changed("contract-address") {
		exitf("must set --contract-address when setting --rpc-url")
	}
	if opts.PostgresDsn == "" {
		opts.PostgresDsn = os.Getenv("POSTGRES_DSN")
	}
	if opts.AdminToken == "" {
		opts.AdminToken = os.Getenv("SUBRAV_ADMIN_TOKEN")
	}

	// handle signals with notify context
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	w, err := node.NewSupervisor(opts)
	cobra.CheckErr(err)

	// start the node
	ready := make(chan struct{}, 1)
	go func() {
		select {
		case <-ready:
			msg := strings.ReplaceAll(startupMessage, "HTTP_PORT", fmt.Sprint(opts.HttpPort))
			msg = strings.ReplaceAll(msg, "HTTP_ADDRESS", opts.HttpAddress)
			fmt.Println(msg)
			slog.Info("node: ready", "after", time.Since(startTime))
		case <-ctx.Done():
		}
	}()
	cobra.CheckErr(w.Start(ctx, ready))
}

func main() {
	cmd.AddCommand(addressCmd, decodeCmd, signCmd, CompletionCmd)
	cobra.CheckErr(cmd.Execute())
}

func exitf(format string, args ...any) {
	err := fmt.Sprintf(format, args...)
	slog.Error("configuration error", "error", err)
	os.Exit(1)
}
