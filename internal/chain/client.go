// Package chain provides Ethereum blockchain interaction for the supply layer.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/stockpot-labs/supply_layer/internal/retry"
)

// Client is the subset of the JSON-RPC surface the service uses. It is
// satisfied by *ethclient.Client and by fakes in tests.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var _ Client = (*ethclient.Client)(nil)

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, rawURL string) (*ethclient.Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc endpoint: %w", err)
	}
	return client, nil
}

// =============================================================================
// Error Classification
// =============================================================================

// Node rejections that retrying cannot fix. Resubmitting these burns the
// attempt budget and can leave a half-priced duplicate in the mempool.
var permanentMarkers = []string{
	"nonce too low",
	"already known",
	"replacement transaction underpriced",
	"insufficient funds",
	"execution reverted",
	"invalid sender",
	"intrinsic gas too low",
}

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"i/o timeout",
	"too many requests",
	"temporarily unavailable",
	"eof",
	"502",
	"503",
}

// IsTransient reports whether an RPC error is worth retrying. Unknown errors
// count as permanent so business rejections surface immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	if retry.IsNetworkError(err) {
		return true
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
