package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "OpenFarm-Chain/internal/errors"
	"OpenFarm-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
	Notes   string
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client

	mu      sync.Mutex
	chainID *big.Int
}

// 回执轮询间隔。测试网出块普遍在秒级，更密的轮询只会浪费 RPC 配额。
const receiptPollInterval = 2 * time.Second

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkTransient, err, "连接以太坊节点失败")
	}

	c := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}
	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	}
	return c, nil
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// ChainID returns the chain identifier, querying the node once and caching it.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	if c.chainID != nil {
		id := new(big.Int).Set(c.chainID)
		c.mu.Unlock()
		return id, nil
	}
	eth := c.eth
	c.mu.Unlock()

	if eth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	id, err := eth.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkTransient, err, "获取链 ID 失败")
	}

	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.eth == nil {
		return web3.ChainSnapshot{}, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeNetworkTransient, err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     "0x" + chainID.Text(16),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// Balance returns the native token balance of the address.
func (c *Client) Balance(ctx context.Context, address common.Address) (*big.Int, error) {
	if c.eth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	balance, err := c.eth.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkTransient, err, "查询余额失败")
	}
	return balance, nil
}

// PendingNonce returns the next usable nonce for the address.
func (c *Client) PendingNonce(ctx context.Context, address common.Address) (uint64, error) {
	if c.eth == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	nonce, err := c.eth.PendingNonceAt(ctx, address)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeNetworkTransient, err, "查询交易计数失败")
	}
	return nonce, nil
}

// Submit signs the request, broadcasts it and waits for the receipt.
// The private key never leaves this call frame.
func (c *Client) Submit(ctx context.Context, key *ecdsa.PrivateKey, req web3.TxRequest) (web3.TxResult, error) {
	if key == nil {
		return web3.TxResult{}, xerrors.New(xerrors.CodeInvalidArgument, "缺少交易签名私钥")
	}
	if c.eth == nil {
		return web3.TxResult{}, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.TxResult{}, err
	}
	nonce, err := c.PendingNonce(ctx, from)
	if err != nil {
		return web3.TxResult{}, err
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return web3.TxResult{}, xerrors.Wrap(xerrors.CodeNetworkTransient, err, "获取燃气价格失败")
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit, err = c.estimateGas(ctx, from, req)
		if err != nil {
			return web3.TxResult{}, err
		}
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &req.To,
		Value:    req.Value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     req.Data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return web3.TxResult{}, xerrors.Wrap(xerrors.CodeUnknown, err, "签名交易失败")
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return web3.TxResult{}, xerrors.Wrap(xerrors.CodeNetworkTransient, err, "发送交易失败")
	}

	success, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return web3.TxResult{Hash: signed.Hash()}, err
	}
	return web3.TxResult{Hash: signed.Hash(), Success: success}, nil
}

func (c *Client) estimateGas(ctx context.Context, from common.Address, req web3.TxRequest) (uint64, error) {
	// 纯转账无需询问节点。
	if len(req.Data) == 0 {
		return 21000, nil
	}
	gas, err := c.eth.EstimateGas(ctx, gethcore.CallMsg{
		From:  from,
		To:    &req.To,
		Value: req.Value,
		Data:  req.Data,
	})
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeNetworkTransient, err, "估算燃气失败")
	}
	// 留出余量，测试网节点的估算经常偏低。
	return gas + gas/5, nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (bool, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt.Status == coretypes.ReceiptStatusSuccessful, nil
		}
		if !errors.Is(err, gethcore.NotFound) {
			return false, xerrors.Wrap(xerrors.CodeNetworkTransient, err, "查询交易回执失败")
		}

		select {
		case <-ctx.Done():
			return false, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易回执超时")
		case <-ticker.C:
		}
	}
}

var _ web3.Client = (*Client)(nil)
