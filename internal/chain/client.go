// Package chain reads token balances and claim receipts from the blockchain.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-sync/internal/config"
	"github.com/yourorg/yield-sync/internal/retry"
)

// ErrTxReverted is returned by WaitMined for a transaction that was mined but failed.
var ErrTxReverted = errors.New("chain: transaction reverted")

const erc20ABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

// Client reads the reward token through a JSON-RPC endpoint.
type Client struct {
	eth      *ethclient.Client
	token    common.Address
	decimals uint8
	erc20    abi.ABI
	poll     time.Duration
	clock    clockwork.Clock
}

// Dial connects to the RPC endpoint in cfg. The transport retries transient
// failures with the Normal policy.
func Dial(ctx context.Context, cfg config.ChainConfig) (*Client, error) {
	httpClient := retry.Configure(retryablehttp.NewClient(), retry.Normal)
	httpClient.Logger = nil

	rpcClient, err := rpc.DialOptions(ctx, cfg.RPCEndpoint, rpc.WithHTTPClient(httpClient.StandardClient()))
	if err != nil {
		return nil, fmt.Errorf("failed to init rpc client: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 abi: %w", err)
	}

	poll := cfg.ReceiptPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}

	return &Client{
		eth:      ethclient.NewClient(rpcClient),
		token:    common.HexToAddress(cfg.TokenAddress),
		decimals: cfg.TokenDecimals,
		erc20:    parsed,
		poll:     poll,
		clock:    clockwork.NewRealClock(),
	}, nil
}

// WithClock sets the clock used between receipt polls
func (c *Client) WithClock(clock clockwork.Clock) *Client {
	c.clock = clock
	return c
}

// Decimals returns the token precision.
func (c *Client) Decimals() uint8 {
	return c.decimals
}

// TokenBalanceUnits returns the raw ERC-20 balance of account.
func (c *Client) TokenBalanceUnits(ctx context.Context, account common.Address) (*big.Int, error) {
	data, err := c.erc20.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("packing balanceOf: %w", err)
	}

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		logrus.WithError(err).WithField("account", account.Hex()).Debug("balanceOf call failed")
		return nil, fmt.Errorf("calling balanceOf: %w", err)
	}

	values, err := c.erc20.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpacking balanceOf: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", values[0])
	}
	return balance, nil
}

// TokenBalance returns the balance of account scaled by the token decimals.
func (c *Client) TokenBalance(ctx context.Context, account common.Address) (decimal.Decimal, error) {
	units, err := c.TokenBalanceUnits(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(units, -int32(c.decimals)), nil
}

// WaitMined polls for the receipt of txHash until it is mined or ctx ends.
// A receipt with a failed status yields ErrTxReverted.
func (c *Client) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	logger := logrus.WithField("tx", txHash.Hex())
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", ErrTxReverted, txHash.Hex())
			}
			logger.WithField("block", receipt.BlockNumber).Debug("Transaction mined")
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
			logger.Trace("Receipt not available yet")
		default:
			return nil, fmt.Errorf("fetching receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(c.poll):
		}
	}
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}
