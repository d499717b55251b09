package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stockpot-labs/supply_layer/internal/retry"
)

// treasuryABI describes the settlement contract that escrows supplier
// payments. Immediate payments use payOrderFor; deferred ones are proposed
// with an executeAfter timestamp and later executed or canceled.
const treasuryABI = `[
  {"type":"function","name":"nextOrderId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"pendingOrders","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[{"name":"owner","type":"address"},{"name":"supplier","type":"address"},{"name":"amount","type":"uint256"},{"name":"executeAfter","type":"uint64"},{"name":"canceled","type":"bool"},{"name":"executed","type":"bool"},{"name":"ref","type":"bytes32"},{"name":"restaurantId","type":"bytes32"}]},
  {"type":"function","name":"isIntentApproved","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"ref","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"requireApprovalForExecution","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"isAgentFor","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"agent","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"payOrderFor","stateMutability":"nonpayable","inputs":[{"name":"owner","type":"address"},{"name":"supplier","type":"address"},{"name":"amount","type":"uint256"},{"name":"ref","type":"bytes32"},{"name":"restaurantId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"proposeOrderFor","stateMutability":"nonpayable","inputs":[{"name":"owner","type":"address"},{"name":"supplier","type":"address"},{"name":"amount","type":"uint256"},{"name":"executeAfter","type":"uint64"},{"name":"ref","type":"bytes32"},{"name":"restaurantId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"executeOrder","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"cancelOrder","stateMutability":"nonpayable","inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"setAgent","stateMutability":"nonpayable","inputs":[{"name":"agent","type":"address"},{"name":"allowed","type":"bool"}],"outputs":[]},
  {"type":"function","name":"setIntentApproval","stateMutability":"nonpayable","inputs":[{"name":"ref","type":"bytes32"},{"name":"approved","type":"bool"}],"outputs":[]},
  {"type":"function","name":"setRequireApprovalForExecution","stateMutability":"nonpayable","inputs":[{"name":"required","type":"bool"}],"outputs":[]}
]`

// Treasury wraps the settlement contract.
type Treasury struct {
	address common.Address
	abi     abi.ABI
	client  Client
	timeout time.Duration
	retry   retry.Config
}

// TreasuryConfig holds treasury binding configuration.
type TreasuryConfig struct {
	Address     string
	CallTimeout time.Duration
	Retry       retry.Config
}

// NewTreasury binds the settlement contract at the configured address.
func NewTreasury(cfg TreasuryConfig, client Client) (*Treasury, error) {
	if client == nil {
		return nil, fmt.Errorf("rpc client required")
	}
	addr := strings.TrimSpace(cfg.Address)
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("invalid treasury address %q", cfg.Address)
	}
	parsed, err := abi.JSON(strings.NewReader(treasuryABI))
	if err != nil {
		return nil, fmt.Errorf("parse treasury abi: %w", err)
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retryCfg := cfg.Retry
	if retryCfg == (retry.Config{}) {
		retryCfg = retry.DefaultConfig()
	}

	return &Treasury{
		address: common.HexToAddress(addr),
		abi:     parsed,
		client:  client,
		timeout: timeout,
		retry:   retryCfg,
	}, nil
}

// Address returns the contract address transactions are sent to.
func (t *Treasury) Address() common.Address {
	return t.address
}

func (t *Treasury) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := t.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	msg := ethereum.CallMsg{To: &t.address, Data: data}
	var raw []byte
	err = retry.Do(ctx, t.retry, IsTransient, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		out, callErr := t.client.CallContract(callCtx, msg, nil)
		if callErr != nil {
			return callErr
		}
		raw = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	vals, err := t.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	return vals, nil
}

func (t *Treasury) readBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	vals, err := t.call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	if len(vals) != 1 {
		return false, fmt.Errorf("%s: expected one value, got %d", method, len(vals))
	}
	b, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("%s: unexpected result type %T", method, vals[0])
	}
	return b, nil
}

// =============================================================================
// Contract Reads
// =============================================================================

// PendingOrder mirrors the contract's deferred order record.
type PendingOrder struct {
	ID           *big.Int
	Owner        common.Address
	Supplier     common.Address
	Amount       *big.Int
	ExecuteAfter uint64
	Canceled     bool
	Executed     bool
	Ref          [32]byte
	RestaurantID [32]byte
}

// Open reports whether the order can still be executed or canceled.
func (o PendingOrder) Open() bool {
	return !o.Canceled && !o.Executed
}

// Executable reports whether the order is open and its hold period elapsed.
func (o PendingOrder) Executable(now time.Time) bool {
	return o.Open() && now.Unix() >= int64(o.ExecuteAfter)
}

// NextOrderID returns the id the next proposed order will receive.
func (t *Treasury) NextOrderID(ctx context.Context) (*big.Int, error) {
	vals, err := t.call(ctx, "nextOrderId")
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("nextOrderId: expected one value, got %d", len(vals))
	}
	id, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("nextOrderId: unexpected result type %T", vals[0])
	}
	return id, nil
}

// PendingOrder reads one deferred order by id.
func (t *Treasury) PendingOrder(ctx context.Context, id *big.Int) (PendingOrder, error) {
	vals, err := t.call(ctx, "pendingOrders", id)
	if err != nil {
		return PendingOrder{}, err
	}
	if len(vals) != 8 {
		return PendingOrder{}, fmt.Errorf("pendingOrders: expected 8 values, got %d", len(vals))
	}

	owner, ok0 := vals[0].(common.Address)
	supplier, ok1 := vals[1].(common.Address)
	amount, ok2 := vals[2].(*big.Int)
	executeAfter, ok3 := vals[3].(uint64)
	canceled, ok4 := vals[4].(bool)
	executed, ok5 := vals[5].(bool)
	ref, ok6 := vals[6].([32]byte)
	restaurantID, ok7 := vals[7].([32]byte)
	if !(ok0 && ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7) {
		return PendingOrder{}, fmt.Errorf("pendingOrders: unexpected result shape")
	}

	return PendingOrder{
		ID:           new(big.Int).Set(id),
		Owner:        owner,
		Supplier:     supplier,
		Amount:       amount,
		ExecuteAfter: executeAfter,
		Canceled:     canceled,
		Executed:     executed,
		Ref:          ref,
		RestaurantID: restaurantID,
	}, nil
}

// IsIntentApproved reports whether the owner pre-approved an intent reference.
func (t *Treasury) IsIntentApproved(ctx context.Context, owner common.Address, ref [32]byte) (bool, error) {
	return t.readBool(ctx, "isIntentApproved", owner, ref)
}

// RequireApprovalForExecution reports whether the owner requires payments to
// go through the propose/execute hold instead of settling immediately.
func (t *Treasury) RequireApprovalForExecution(ctx context.Context, owner common.Address) (bool, error) {
	return t.readBool(ctx, "requireApprovalForExecution", owner)
}

// IsAgentFor reports whether agent may act on the owner's behalf.
func (t *Treasury) IsAgentFor(ctx context.Context, owner, agent common.Address) (bool, error) {
	return t.readBool(ctx, "isAgentFor", owner, agent)
}

// =============================================================================
// Calldata Builders
// =============================================================================

func (t *Treasury) pack(method string, args ...interface{}) ([]byte, error) {
	data, err := t.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return data, nil
}

// PackPayOrderFor builds calldata paying a supplier immediately on the
// owner's behalf.
func (t *Treasury) PackPayOrderFor(owner, supplier common.Address, amount *big.Int, ref, restaurantID [32]byte) ([]byte, error) {
	return t.pack("payOrderFor", owner, supplier, amount, ref, restaurantID)
}

// PackProposeOrderFor builds calldata recording a deferred payment that
// unlocks at executeAfter (unix seconds).
func (t *Treasury) PackProposeOrderFor(owner, supplier common.Address, amount *big.Int, executeAfter uint64, ref, restaurantID [32]byte) ([]byte, error) {
	return t.pack("proposeOrderFor", owner, supplier, amount, executeAfter, ref, restaurantID)
}

// PackExecuteOrder builds calldata settling a deferred order.
func (t *Treasury) PackExecuteOrder(id *big.Int) ([]byte, error) {
	return t.pack("executeOrder", id)
}

// PackCancelOrder builds calldata voiding a deferred order.
func (t *Treasury) PackCancelOrder(id *big.Int) ([]byte, error) {
	return t.pack("cancelOrder", id)
}

// PackSetAgent builds calldata granting or revoking an autopilot agent.
func (t *Treasury) PackSetAgent(agent common.Address, allowed bool) ([]byte, error) {
	return t.pack("setAgent", agent, allowed)
}

// PackSetIntentApproval builds calldata pre-approving an intent reference.
func (t *Treasury) PackSetIntentApproval(ref [32]byte, approved bool) ([]byte, error) {
	return t.pack("setIntentApproval", ref, approved)
}

// PackSetRequireApprovalForExecution builds calldata toggling the
// propose/execute hold requirement.
func (t *Treasury) PackSetRequireApprovalForExecution(required bool) ([]byte, error) {
	return t.pack("setRequireApprovalForExecution", required)
}

// =============================================================================
// Token Amounts and References
// =============================================================================

// One payment token equals one dollar and carries 18 fractional digits, so a
// cent is 10^16 base units.
var centScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil)

// TokenAmountFromCents converts dollar cents into token base units.
func TokenAmountFromCents(cents int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(cents), centScale)
}

// CentsFromTokenAmount converts token base units back to cents, truncating
// sub-cent dust.
func CentsFromTokenAmount(amount *big.Int) int64 {
	if amount == nil {
		return 0
	}
	return new(big.Int).Div(amount, centScale).Int64()
}

// RefFromHex parses a 0x-prefixed 32-byte reference.
func RefFromHex(s string) ([32]byte, error) {
	var ref [32]byte
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return ref, fmt.Errorf("decode reference: %w", err)
	}
	if len(b) != 32 {
		return ref, fmt.Errorf("reference must be 32 bytes, got %d", len(b))
	}
	copy(ref[:], b)
	return ref, nil
}

// RefToHex renders a 32-byte reference as 0x-prefixed hex.
func RefToHex(ref [32]byte) string {
	return hexutil.Encode(ref[:])
}

// RestaurantRef derives the on-chain restaurant identifier for a location.
func RestaurantRef(locationID string) [32]byte {
	var ref [32]byte
	copy(ref[:], crypto.Keccak256([]byte(strings.TrimSpace(locationID))))
	return ref
}
