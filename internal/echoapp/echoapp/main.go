// Copyright (c) Gabriel de Quadros Ligneul
// SPDX-License-Identifier: Apache-2.0 (see LICENSE)

// This pkg is a binary that pays for the echo application over a channel.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calindra/subrav/internal/client"
	"github.com/calindra/subrav/internal/commons"
	"github.com/calindra/subrav/internal/identity"
	"github.com/carlmjohnson/versioninfo"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

var cmd = &cobra.Command{
	Use:     "echoapp",
	Short:   "Client that pays for the echo application of a subrav node",
	Run:     run,
	Version: versioninfo.Short(),
}

var (
	endpoint     string
	chainID      uint64
	channelID    string
	mnemonic     string
	accountIndex uint32
	message      string
	count        int
	pendingFile  string
	timeout      time.Duration
)

func init() {
	cmd.Flags().StringVar(&endpoint, "endpoint", "http://127.0.0.1:8080", "Node HTTP endpoint")
	cmd.Flags().Uint64Var(&chainID, "chain-id", 31337, "Chain id of the node")
	cmd.Flags().StringVar(&channelID, "channel-id", "", "Channel opened for the payer")
	cobra.CheckErr(cmd.MarkFlagRequired("channel-id"))
	cmd.Flags().StringVar(&mnemonic, "mnemonic", identity.DevMnemonic, "BIP-39 mnemonic of the payer key")
	cmd.Flags().Uint32Var(&accountIndex, "account-index", 2, "Account index of the payer key")
	cmd.Flags().StringVar(&message, "msg", "hello", "Message sent to the echo route")
	cmd.Flags().IntVar(&count, "count", 1, "Number of paid requests")
	cmd.Flags().StringVar(&pendingFile, "pending-file", "",
		"If set, keep the unsigned proposal in this sqlite file between runs")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Timeout of each request")
}

func run(cmd *cobra.Command, args []string) {
	commons.ConfigureLog(slog.LevelInfo)
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(common.FromHex(channelID)) != common.HashLength {
		cobra.CheckErr(fmt.Errorf("invalid channel id %q", channelID))
	}
	key, err := identity.PrivateKeyFromMnemonic(mnemonic, accountIndex)
	cobra.CheckErr(err)
	keys := identity.NewKeyStore()
	keyID := keys.AddSecp256k1(identity.DIDFromKey(key), identity.ControllerFragment, key)

	var store client.PendingStore = client.NewMemoryPendingStore()
	if pendingFile != "" {
		db, err := commons.OpenDb(commons.DbSqlite, pendingFile, "")
		cobra.CheckErr(err)
		defer db.Close()
		sqlStore := &client.SqlPendingStore{Db: db}
		cobra.CheckErr(sqlStore.CreateTables())
		store = sqlStore
	}

	c, err := client.NewPaymentClient(endpoint, chainID, common.HexToHash(channelID), keyID, keys, store)
	cobra.CheckErr(err)
	c.HTTP = &http.Client{Timeout: timeout}
	if pendingFile != "" {
		cobra.CheckErr(c.Recover(ctx))
	}

	target := fmt.Sprintf("%s/echo?msg=%s", endpoint, url.QueryEscape(message))
	for i := 0; i < count; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		cobra.CheckErr(err)
		res, err := c.Do(req)
		cobra.CheckErr(err)
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		cobra.CheckErr(err)
		fmt.Fprintf(os.Stdout, "%d %s", res.StatusCode, body)
	}

	rec, err := c.State(ctx)
	cobra.CheckErr(err)
	slog.Info("echoapp: done",
		"keyId", keyID,
		"state", rec.State,
		"signedNonce", rec.SignedNonce,
		"signedAmount", rec.SignedAmount,
	)
}

func main() {
	cobra.CheckErr(cmd.Execute())
}
