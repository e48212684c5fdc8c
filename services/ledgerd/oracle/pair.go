package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const pairABIJSON = `[
  {"constant":true,"inputs":[],"name":"getReserves","outputs":[
    {"name":"reserve0","type":"uint112"},
    {"name":"reserve1","type":"uint112"},
    {"name":"blockTimestampLast","type":"uint32"}],
   "stateMutability":"view","type":"function"},
  {"constant":true,"inputs":[],"name":"token0","outputs":[
    {"name":"","type":"address"}],
   "stateMutability":"view","type":"function"}
]`

// ContractCaller is the subset of the Ethereum RPC needed to read pair state.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// AMMPair reads reserves from a Uniswap V2 style pair contract.
type AMMPair struct {
	client  ContractCaller
	address common.Address
	abi     abi.ABI
}

// NewAMMPair constructs a pair reader bound to the supplied contract address.
func NewAMMPair(client ContractCaller, address common.Address) (*AMMPair, error) {
	if client == nil {
		return nil, fmt.Errorf("contract caller required")
	}
	if (address == common.Address{}) {
		return nil, fmt.Errorf("pair address required")
	}
	parsed, err := abi.JSON(strings.NewReader(pairABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse pair abi: %w", err)
	}
	return &AMMPair{client: client, address: address, abi: parsed}, nil
}

// Reserves returns both raw pool reserves.
func (p *AMMPair) Reserves(ctx context.Context) (*big.Int, *big.Int, error) {
	output, err := p.call(ctx, "getReserves")
	if err != nil {
		return nil, nil, err
	}
	values, err := p.abi.Unpack("getReserves", output)
	if err != nil {
		return nil, nil, fmt.Errorf("unpack getReserves: %w", err)
	}
	if len(values) < 2 {
		return nil, nil, fmt.Errorf("getReserves returned %d values", len(values))
	}
	reserve0, ok0 := values[0].(*big.Int)
	reserve1, ok1 := values[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fmt.Errorf("getReserves returned unexpected types")
	}
	return reserve0, reserve1, nil
}

// Token0 returns the address of the pair's first token.
func (p *AMMPair) Token0(ctx context.Context) (common.Address, error) {
	output, err := p.call(ctx, "token0")
	if err != nil {
		return common.Address{}, err
	}
	values, err := p.abi.Unpack("token0", output)
	if err != nil {
		return common.Address{}, fmt.Errorf("unpack token0: %w", err)
	}
	if len(values) != 1 {
		return common.Address{}, fmt.Errorf("token0 returned %d values", len(values))
	}
	token, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("token0 returned unexpected type")
	}
	return token, nil
}

func (p *AMMPair) call(ctx context.Context, method string) ([]byte, error) {
	data, err := p.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	output, err := p.client.CallContract(ctx, ethereum.CallMsg{To: &p.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return output, nil
}
