// Package broadcast signs and submits settlement transactions for the
// funding key. Nonce reservation is serialized so concurrent proposal
// requests cannot interleave and collide.
package broadcast

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stockpot-labs/supply_layer/internal/chain"
	"github.com/stockpot-labs/supply_layer/internal/config"
	"github.com/stockpot-labs/supply_layer/internal/retry"
	"github.com/stockpot-labs/supply_layer/pkg/logger"
)

var (
	// ErrMalformedCall marks a call rejected before anything was signed.
	ErrMalformedCall = errors.New("malformed call")

	// ErrEnvironmentBlocked is returned when the configured environment is
	// not allowed to broadcast payments.
	ErrEnvironmentBlocked = errors.New("environment blocked from broadcasting")
)

// Call is one contract invocation to submit.
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	Label string
}

// Result reports the outcome of one call. TxHash is set on success, Err on
// failure; a failed call never blocks the calls after it.
type Result struct {
	Label  string
	To     common.Address
	TxHash string
	Err    error
}

// Config holds broadcaster configuration.
type Config struct {
	Environment    config.Environment
	ChainID        *big.Int
	GasLimit       uint64
	FeeBumpPercent int64
	SubmitTimeout  time.Duration
	Retry          retry.Config
}

// Broadcaster submits transactions signed by the funding key.
type Broadcaster struct {
	cfg    Config
	client chain.Client
	key    *ecdsa.PrivateKey
	from   common.Address
	log    *logger.Logger

	// serializes fee and nonce reservation for the funding key
	mu sync.Mutex
}

// New creates a broadcaster for the given funding key.
func New(cfg Config, client chain.Client, key *ecdsa.PrivateKey, log *logger.Logger) (*Broadcaster, error) {
	if log == nil {
		log = logger.NewDefault("broadcast")
	}
	if client == nil {
		return nil, errors.New("rpc client required")
	}
	if key == nil {
		return nil, errors.New("funding key required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("chain id required")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 200_000
	}
	if cfg.FeeBumpPercent <= 0 {
		cfg.FeeBumpPercent = 30
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 20 * time.Second
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.DefaultConfig()
	}

	return &Broadcaster{
		cfg:    cfg,
		client: client,
		key:    key,
		from:   crypto.PubkeyToAddress(key.PublicKey),
		log:    log,
	}, nil
}

// From returns the funding account address.
func (b *Broadcaster) From() common.Address {
	return b.from
}

// Submit signs and broadcasts the calls in order. Fee data and the pending
// nonce are read exactly once per batch; nonces increase strictly from that
// count even when an individual submission fails, so a reserved nonce is
// never reused. Malformed calls fail the whole batch before anything is
// signed.
func (b *Broadcaster) Submit(ctx context.Context, calls []Call) ([]Result, error) {
	if b.cfg.Environment == config.EnvProduction {
		return nil, ErrEnvironmentBlocked
	}
	if len(calls) == 0 {
		return nil, nil
	}
	for i, call := range calls {
		if call.To == (common.Address{}) {
			return nil, fmt.Errorf("%w: call %d has no recipient", ErrMalformedCall, i)
		}
		if len(call.Data) == 0 {
			return nil, fmt.Errorf("%w: call %d has no payload", ErrMalformedCall, i)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	fees, err := b.quoteFees(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := b.client.PendingNonceAt(ctx, b.from)
	if err != nil {
		return nil, fmt.Errorf("read pending nonce: %w", err)
	}

	signer := types.LatestSignerForChainID(b.cfg.ChainID)
	results := make([]Result, 0, len(calls))
	for i, call := range calls {
		res := Result{Label: call.Label, To: call.To}

		if err := ctx.Err(); err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}

		signed, err := types.SignTx(b.buildTx(call, nonce+uint64(i), fees), signer, b.key)
		if err != nil {
			res.Err = fmt.Errorf("sign transaction: %w", err)
			results = append(results, res)
			continue
		}
		if err := b.send(ctx, signed); err != nil {
			res.Err = err
			results = append(results, res)
			b.log.WithFields(map[string]interface{}{
				"label": call.Label,
				"nonce": nonce + uint64(i),
			}).WithError(err).Error("Transaction submission failed")
			continue
		}

		res.TxHash = signed.Hash().Hex()
		results = append(results, res)
		b.log.WithFields(map[string]interface{}{
			"label": call.Label,
			"nonce": nonce + uint64(i),
			"tx":    res.TxHash,
		}).Info("Transaction submitted")
	}
	return results, nil
}

type feeQuote struct {
	dynamic  bool
	tipCap   *big.Int
	feeCap   *big.Int
	gasPrice *big.Int
}

// quoteFees reads fee-market data once per batch. The bump keeps
// transactions from getting stuck when the market moves mid-batch.
func (b *Broadcaster) quoteFees(ctx context.Context) (feeQuote, error) {
	head, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return feeQuote{}, fmt.Errorf("read chain head: %w", err)
	}
	if head.BaseFee != nil {
		tip, err := b.client.SuggestGasTipCap(ctx)
		if err == nil {
			feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
			return feeQuote{
				dynamic: true,
				tipCap:  bump(tip, b.cfg.FeeBumpPercent),
				feeCap:  bump(feeCap, b.cfg.FeeBumpPercent),
			}, nil
		}
		b.log.WithError(err).Warn("Tip suggestion unavailable, using legacy gas price")
	}

	price, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return feeQuote{}, fmt.Errorf("read gas price: %w", err)
	}
	return feeQuote{gasPrice: bump(price, b.cfg.FeeBumpPercent)}, nil
}

func (b *Broadcaster) buildTx(call Call, nonce uint64, fees feeQuote) *types.Transaction {
	to := call.To
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	if fees.dynamic {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   b.cfg.ChainID,
			Nonce:     nonce,
			GasTipCap: fees.tipCap,
			GasFeeCap: fees.feeCap,
			Gas:       b.cfg.GasLimit,
			To:        &to,
			Value:     value,
			Data:      call.Data,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: fees.gasPrice,
		Gas:      b.cfg.GasLimit,
		To:       &to,
		Value:    value,
		Data:     call.Data,
	})
}

func (b *Broadcaster) send(ctx context.Context, tx *types.Transaction) error {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.SubmitTimeout)
	defer cancel()
	return retry.Do(callCtx, b.cfg.Retry, chain.IsTransient, func(ctx context.Context) error {
		return b.client.SendTransaction(ctx, tx)
	})
}

func bump(v *big.Int, pct int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(100+pct))
	return out.Div(out, big.NewInt(100))
}
