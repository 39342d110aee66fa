package web3

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot represents summarized network metadata for reporting.
type ChainSnapshot struct {
	Name        string
	ChainID     string
	BlockNumber string
	Notes       string
}

// TxRequest describes an outgoing transaction before signing. Data is the
// optional call payload for router contracts; nil means a plain transfer.
type TxRequest struct {
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
}

// TxResult captures the outcome of a submitted transaction.
type TxResult struct {
	Hash    common.Hash
	Success bool
}

// Client defines the common interface that any chain implementation must
// provide so higher layers can interact with different networks uniformly.
type Client interface {
	Name() string
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Balance(ctx context.Context, address common.Address) (*big.Int, error)
	PendingNonce(ctx context.Context, address common.Address) (uint64, error)
	// Submit signs the request with the given key and broadcasts it,
	// then waits for the receipt within the context deadline.
	Submit(ctx context.Context, key *ecdsa.PrivateKey, req TxRequest) (TxResult, error)
	Close()
}
