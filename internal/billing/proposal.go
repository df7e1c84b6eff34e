package billing

import (
	"math/big"

	"github.com/calindra/subrav/internal/subrav"
	"github.com/calindra/subrav/internal/tracker"
)

// Propose builds the next unsigned voucher: one nonce past last, with
// charge added to last's accumulated amount. Only chain, channel, epoch
// and sub-channel are taken from template.
func Propose(template subrav.SubRAV, last tracker.Entry, charge *big.Int) subrav.SubRAV {
	amount := new(big.Int).Set(last.Amount())
	if charge != nil {
		amount.Add(amount, charge)
	}
	return subrav.New(
		template.ChainID,
		template.ChannelID,
		template.ChannelEpoch,
		template.VmIdFragment,
		amount,
		last.Nonce+1,
	)
}
