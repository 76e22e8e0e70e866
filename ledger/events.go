package ledger

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// FindIssuanceTx searches the most recent withinBlocks blocks for a Transfer
// of the token to the owner and returns the matching transaction hash. This
// is best-effort provenance recovery only: any failure, including an RPC
// error or a node without log filters, yields "" and never fails the flow.
func (c *Client) FindIssuanceTx(ctx context.Context, owner string, token *big.Int, withinBlocks uint64) string {
	if token == nil || withinBlocks == 0 {
		return ""
	}
	addr, err := parseOwner(owner)
	if err != nil {
		return ""
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return ""
	}
	callCtx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()
	head, err := c.backend.HeaderByNumber(callCtx, nil)
	if err != nil || head == nil || head.Number == nil {
		slog.Debug("issuance search skipped: head unavailable", "err", err)
		return ""
	}
	from := new(big.Int).Set(head.Number)
	window := new(big.Int).SetUint64(withinBlocks)
	if from.Cmp(window) > 0 {
		from.Sub(from, window)
	} else {
		from.SetInt64(0)
	}
	query := ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   head.Number,
		Addresses: []common.Address{c.contract},
		Topics: [][]common.Hash{
			{transferEventSignature},
			nil, // any sender, mints come from the zero address but reissues may not
			{common.BytesToHash(addr.Bytes())},
			{common.BigToHash(token)},
		},
	}
	logs, err := c.backend.FilterLogs(callCtx, query)
	if err != nil {
		slog.Debug("issuance search failed", "owner", owner, "token", token.String(), "err", err)
		return ""
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if logs[i].Removed {
			continue
		}
		return logs[i].TxHash.Hex()
	}
	return ""
}
