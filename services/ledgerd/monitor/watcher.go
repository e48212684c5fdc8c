package monitor

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// LogFilterer is the subset of the Ethereum RPC used by the transfer watcher.
type LogFilterer interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// ERC20Watcher implements ChainClient against an Ethereum node, watching
// Transfer events on a single token contract into the treasury address.
type ERC20Watcher struct {
	client   LogFilterer
	token    common.Address
	treasury common.Address
}

// DialChainClient initialises an Ethereum RPC client for the endpoint.
func DialChainClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// NewERC20Watcher constructs a watcher for transfers of token to treasury.
func NewERC20Watcher(client LogFilterer, token, treasury common.Address) (*ERC20Watcher, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client required")
	}
	if (token == common.Address{}) || (treasury == common.Address{}) {
		return nil, fmt.Errorf("token and treasury addresses required")
	}
	return &ERC20Watcher{client: client, token: token, treasury: treasury}, nil
}

// BlockNumber returns the current chain head.
func (w *ERC20Watcher) BlockNumber(ctx context.Context) (uint64, error) {
	return w.client.BlockNumber(ctx)
}

// FilterTransfers returns every token transfer into the treasury within the
// inclusive block range, in log order. Logs that do not decode as ERC-20
// transfers are dropped.
func (w *ERC20Watcher) FilterTransfers(ctx context.Context, fromBlock, toBlock uint64) ([]Transfer, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{w.token},
		Topics: [][]common.Hash{
			{transferEventSignature},
			nil,
			{common.BytesToHash(w.treasury.Bytes())},
		},
	}
	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}
	transfers := make([]Transfer, 0, len(logs))
	for _, entry := range logs {
		if entry.Removed || len(entry.Topics) < 3 {
			continue
		}
		transfers = append(transfers, Transfer{
			From:        common.BytesToAddress(entry.Topics[1].Bytes()[12:]),
			To:          common.BytesToAddress(entry.Topics[2].Bytes()[12:]),
			Amount:      new(big.Int).SetBytes(entry.Data),
			TxHash:      entry.TxHash,
			BlockNumber: entry.BlockNumber,
		})
	}
	return transfers, nil
}
