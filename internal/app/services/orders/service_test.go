package orders

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stockpot-labs/supply_layer/internal/app/domain/intent"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/inventory"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/plan"
	"github.com/stockpot-labs/supply_layer/internal/app/domain/restaurant"
	"github.com/stockpot-labs/supply_layer/internal/app/services/auth"
	"github.com/stockpot-labs/supply_layer/internal/app/services/broadcast"
	intentsvc "github.com/stockpot-labs/supply_layer/internal/app/services/intent"
	pipelinesvc "github.com/stockpot-labs/supply_layer/internal/app/services/pipeline"
	"github.com/stockpot-labs/supply_layer/internal/app/services/planning"
	"github.com/stockpot-labs/supply_layer/internal/app/storage"
	"github.com/stockpot-labs/supply_layer/internal/app/storage/memory"
	"github.com/stockpot-labs/supply_layer/internal/chain"
	"github.com/stockpot-labs/supply_layer/internal/config"
	"github.com/stockpot-labs/supply_layer/internal/retry"
)

const (
	testLocation  = "loc-1"
	treasuryAddr  = "0x000000000000000000000000000000000000dEaD"
	meatcoPayout  = "0x00000000000000000000000000000000000000A1"
	foreignWallet = "0x00000000000000000000000000000000000000B2"
)

// fakeLedger answers contract reads by exact calldata and records submitted
// transactions.
type fakeLedger struct {
	mu      sync.Mutex
	nonce   uint64
	answers map[string][]byte
	sendErr map[uint64]error
	sent    []*types.Transaction
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		answers: make(map[string][]byte),
		sendErr: make(map[uint64]error),
	}
}

func (f *fakeLedger) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(11155111), nil
}

func (f *fakeLedger) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeLedger) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(100)}, nil
}

func (f *fakeLedger) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(10), nil
}

func (f *fakeLedger) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(100), nil
}

func (f *fakeLedger) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.sendErr[tx.Nonce()]; ok {
		return err
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeLedger) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.answers[hex.EncodeToString(msg.Data)]
	if !ok {
		return nil, fmt.Errorf("execution reverted: unexpected call %x", msg.Data[:4])
	}
	return out, nil
}

func (f *fakeLedger) answer(sig string, out []byte, args ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[hex.EncodeToString(callData(sig, args...))] = out
}

func (f *fakeLedger) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

// ABI word helpers. Every treasury type involved is static, so calls and
// returns are plain 32-byte word sequences.

func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

func callData(sig string, words ...[]byte) []byte {
	data := selector(sig)
	for _, w := range words {
		data = append(data, w...)
	}
	return data
}

func addrWord(a common.Address) []byte {
	w := make([]byte, 32)
	copy(w[12:], a.Bytes())
	return w
}

func uintWord(v *big.Int) []byte {
	return v.FillBytes(make([]byte, 32))
}

func boolWord(v bool) []byte {
	w := make([]byte, 32)
	if v {
		w[31] = 1
	}
	return w
}

func orderTuple(owner, supplier common.Address, amount *big.Int, executeAfter uint64, canceled, executed bool, ref, restaurantID [32]byte) []byte {
	out := make([]byte, 0, 8*32)
	out = append(out, addrWord(owner)...)
	out = append(out, addrWord(supplier)...)
	out = append(out, uintWord(amount)...)
	out = append(out, uintWord(new(big.Int).SetUint64(executeAfter))...)
	out = append(out, boolWord(canceled)...)
	out = append(out, boolWord(executed)...)
	out = append(out, ref[:]...)
	out = append(out, restaurantID[:]...)
	return out
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

type fixture struct {
	svc      *Service
	store    *memory.Store
	ledger   *fakeLedger
	ownerKey *ecdsa.PrivateKey
	owner    common.Address
	funding  common.Address
	now      time.Time
}

func newFixture(t *testing.T, plannerFn planning.PlannerFunc) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	ledger := newFakeLedger()

	ownerKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate owner key: %v", err)
	}
	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)
	fundingKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate funding key: %v", err)
	}

	if _, err := store.CreateRestaurant(ctx, restaurant.Restaurant{
		ID:           testLocation,
		OwnerAddress: owner.Hex(),
		Name:         "Stockpot Diner",
	}); err != nil {
		t.Fatalf("seed restaurant: %v", err)
	}
	if _, err := store.UpsertItem(ctx, testLocation, inventory.Item{
		SKU: "beef-5kg", Name: "Beef chuck 5kg", Unit: "case", OnHand: 2, ParLevel: 9, UnitCostUSD: 10,
	}); err != nil {
		t.Fatalf("seed item: %v", err)
	}
	if _, err := store.UpsertSupplier(ctx, testLocation, inventory.Supplier{
		ID: "meatco", Name: "MeatCo", PayoutAddress: meatcoPayout, LeadTimeDays: 2,
	}); err != nil {
		t.Fatalf("seed supplier: %v", err)
	}

	treasury, err := chain.NewTreasury(chain.TreasuryConfig{
		Address:     treasuryAddr,
		CallTimeout: 250 * time.Millisecond,
		Retry:       fastRetry(),
	}, ledger)
	if err != nil {
		t.Fatalf("bind treasury: %v", err)
	}
	caster, err := broadcast.New(broadcast.Config{
		Environment:   config.EnvTesting,
		ChainID:       big.NewInt(11155111),
		SubmitTimeout: 250 * time.Millisecond,
		Retry:         fastRetry(),
	}, ledger, fundingKey, nil)
	if err != nil {
		t.Fatalf("build broadcaster: %v", err)
	}

	pipe := pipelinesvc.New(store, nil)
	svc := New(Config{
		Environment:   config.EnvTesting,
		PendingWindow: 24 * time.Hour,
		CacheTTL:      time.Minute,
	}, Deps{
		Verifier:    auth.NewVerifier(auth.Config{FreshnessWindow: time.Minute}, nil, nil),
		Planning:    planning.New(store, pipe, nil),
		Planner:     plannerFn,
		Restaurants: store,
		Catalog:     store,
		Intents:     store,
		Pipeline:    pipe,
		Treasury:    treasury,
		Broadcaster: caster,
	})

	now := time.Now().UTC().Truncate(time.Second)
	svc.now = func() time.Time { return now }

	return &fixture{
		svc:      svc,
		store:    store,
		ledger:   ledger,
		ownerKey: ownerKey,
		owner:    owner,
		funding:  crypto.PubkeyToAddress(fundingKey.PublicKey),
		now:      now,
	}
}

func (f *fixture) scope() storage.Scope {
	return storage.Scope{
		Environment:  string(config.EnvTesting),
		OwnerAddress: f.owner.Hex(),
		LocationID:   testLocation,
	}
}

var signSeq int64

// signedRequest signs a message binding the given action the way a wallet
// would, including the 27/28 recovery id convention. The sequence line keeps
// back-to-back requests distinct so the replay guard only fires when a test
// reuses a signature on purpose.
func (f *fixture) signedRequest(t *testing.T, action string) auth.Request {
	t.Helper()
	issued := time.Now().UnixMilli()
	msg := fmt.Sprintf("supply-layer authorization\naction: %s\nenvironment: %s\nlocation: %s\nowner: %s\nissued_at: %d\nseq: %d",
		action, config.EnvTesting, testLocation, f.owner.Hex(), issued, atomic.AddInt64(&signSeq, 1))
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), f.ownerKey)
	if err != nil {
		t.Fatalf("sign message: %v", err)
	}
	sig[64] += 27
	return auth.Request{
		OwnerAddress: f.owner.Hex(),
		Message:      msg,
		Signature:    "0x" + hex.EncodeToString(sig),
		IssuedAt:     issued,
		Environment:  string(config.EnvTesting),
		LocationID:   testLocation,
		Action:       action,
	}
}

func meatcoPlanner(qty int64) planning.PlannerFunc {
	return func(_ context.Context, req planning.PlanRequest) (plan.Candidate, error) {
		return plan.Candidate{
			Strategy:    req.Preferences.Strategy,
			HorizonDays: req.Preferences.HorizonDays,
			Orders: []plan.Order{{
				SupplierID: "meatco",
				Items:      []plan.OrderItem{{SKU: "beef-5kg", Quantity: qty, Reason: "below par"}},
			}},
		}, nil
	}
}

func TestProposePaysImmediately(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))
	f.ledger.answer("requireApprovalForExecution(address)", boolWord(false), addrWord(f.owner))

	res, err := f.svc.Propose(context.Background(), ProposeRequest{
		LocationID: testLocation,
		Auth:       f.signedRequest(t, ActionPropose),
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	if res.Record.Mode != intent.ModePaid {
		t.Fatalf("mode = %q, want %q", res.Record.Mode, intent.ModePaid)
	}
	if res.Record.TotalCents != 7000 {
		t.Fatalf("total = %d cents, want 7000", res.Record.TotalCents)
	}
	if len(res.Record.Outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(res.Record.Outcomes))
	}
	out := res.Record.Outcomes[0]
	if out.Status != intent.OutcomeSubmitted || out.TxHash == "" {
		t.Fatalf("outcome = %+v, want submitted with tx hash", out)
	}

	sent := f.ledger.sentTxs()
	if len(sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(sent))
	}
	if sent[0].To() == nil || *sent[0].To() != common.HexToAddress(treasuryAddr) {
		t.Fatalf("transaction to %v, want treasury", sent[0].To())
	}
	wantSel := selector("payOrderFor(address,address,uint256,bytes32,bytes32)")
	if !bytes.HasPrefix(sent[0].Data(), wantSel) {
		t.Fatalf("calldata selector = %x, want payOrderFor", sent[0].Data()[:4])
	}
}

func TestProposeTracksPipeline(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))
	f.ledger.answer("requireApprovalForExecution(address)", boolWord(false), addrWord(f.owner))

	res, err := f.svc.Propose(context.Background(), ProposeRequest{
		LocationID: testLocation,
		Auth:       f.signedRequest(t, ActionPropose),
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	rec, err := f.store.GetPipeline(context.Background(), f.scope(), res.Record.IntentRef)
	if err != nil {
		t.Fatalf("GetPipeline: %v", err)
	}
	if len(rec.Items) != 1 {
		t.Fatalf("pipeline items = %d, want 1", len(rec.Items))
	}
	item := rec.Items[0]
	if item.SKU != "beef-5kg" || item.Units != 7 || item.SupplierID != "meatco" {
		t.Fatalf("pipeline item = %+v", item)
	}
	if wantETA := f.now.Add(48 * time.Hour); !item.ETA.Equal(wantETA) {
		t.Fatalf("eta = %s, want %s (2 day lead)", item.ETA, wantETA)
	}
}

func TestProposeHoldsWhenApprovalRequired(t *testing.T) {
	f := newFixture(t, meatcoPlanner(3))
	f.ledger.answer("requireApprovalForExecution(address)", boolWord(true), addrWord(f.owner))

	res, err := f.svc.Propose(context.Background(), ProposeRequest{
		LocationID: testLocation,
		Auth:       f.signedRequest(t, ActionPropose),
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	if res.Record.Mode != intent.ModeProposed {
		t.Fatalf("mode = %q, want %q", res.Record.Mode, intent.ModeProposed)
	}
	if want := f.now.Add(24 * time.Hour); !res.Record.PendingUntil.Equal(want) {
		t.Fatalf("pending until = %s, want %s", res.Record.PendingUntil, want)
	}
	sent := f.ledger.sentTxs()
	if len(sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(sent))
	}
	wantSel := selector("proposeOrderFor(address,address,uint256,uint64,bytes32,bytes32)")
	if !bytes.HasPrefix(sent[0].Data(), wantSel) {
		t.Fatalf("calldata selector = %x, want proposeOrderFor", sent[0].Data()[:4])
	}
}

func TestProposeSecondRunWithSameInputsConflicts(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))
	f.ledger.answer("requireApprovalForExecution(address)", boolWord(false), addrWord(f.owner))

	if _, err := f.svc.Propose(context.Background(), ProposeRequest{
		LocationID: testLocation,
		Auth:       f.signedRequest(t, ActionPropose),
	}); err != nil {
		t.Fatalf("first Propose: %v", err)
	}

	// same clock, same plan, same amounts: the derived reference collides and
	// the second run must not pay again
	_, err := f.svc.Propose(context.Background(), ProposeRequest{
		LocationID: testLocation,
		Auth:       f.signedRequest(t, ActionPropose),
	})
	if !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("err = %v, want ErrAlreadyApplied", err)
	}
	if sent := f.ledger.sentTxs(); len(sent) != 1 {
		t.Fatalf("sent %d transactions, want 1 (no re-broadcast)", len(sent))
	}
}

func TestProposeRejectsBadSignature(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))

	req := f.signedRequest(t, ActionPropose)
	stranger, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(req.Message)), stranger)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	req.Signature = "0x" + hex.EncodeToString(sig)

	_, err = f.svc.Propose(context.Background(), ProposeRequest{LocationID: testLocation, Auth: req})
	if !errors.Is(err, auth.ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
	if recs, _ := f.store.ListIntentRecords(context.Background(), f.scope()); len(recs) != 0 {
		t.Fatalf("intent records = %d, want 0", len(recs))
	}
}

func TestProposeRejectsReplayedSignature(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))
	f.ledger.answer("requireApprovalForExecution(address)", boolWord(false), addrWord(f.owner))

	req := f.signedRequest(t, ActionPropose)
	if _, err := f.svc.Propose(context.Background(), ProposeRequest{LocationID: testLocation, Auth: req}); err != nil {
		t.Fatalf("first Propose: %v", err)
	}
	_, err := f.svc.Propose(context.Background(), ProposeRequest{LocationID: testLocation, Auth: req})
	if !errors.Is(err, auth.ErrReplay) {
		t.Fatalf("err = %v, want ErrReplay", err)
	}
}

func TestProposeRejectsForeignSigner(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))

	req := f.signedRequest(t, ActionPropose)
	req.OwnerAddress = foreignWallet

	_, err := f.svc.Propose(context.Background(), ProposeRequest{LocationID: testLocation, Auth: req})
	if !errors.Is(err, auth.ErrUnbound) {
		t.Fatalf("err = %v, want ErrUnbound", err)
	}
}

func TestProposeAgentRunChecksAuthority(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))
	f.ledger.answer("isAgentFor(address,address)", boolWord(false), addrWord(f.owner), addrWord(f.funding))

	_, err := f.svc.Propose(context.Background(), ProposeRequest{LocationID: testLocation, AgentRun: true})
	if !errors.Is(err, ErrNotAgent) {
		t.Fatalf("err = %v, want ErrNotAgent", err)
	}

	f.ledger.answer("isAgentFor(address,address)", boolWord(true), addrWord(f.owner), addrWord(f.funding))
	f.ledger.answer("requireApprovalForExecution(address)", boolWord(true), addrWord(f.owner))

	res, err := f.svc.Propose(context.Background(), ProposeRequest{LocationID: testLocation, AgentRun: true})
	if err != nil {
		t.Fatalf("agent Propose: %v", err)
	}
	if res.Record.Mode != intent.ModeProposed {
		t.Fatalf("mode = %q, want %q", res.Record.Mode, intent.ModeProposed)
	}
}

func TestProposeBlockedInProduction(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))
	f.svc.cfg.Environment = config.EnvProduction

	_, err := f.svc.Propose(context.Background(), ProposeRequest{
		LocationID: testLocation,
		Auth:       f.signedRequest(t, ActionPropose),
	})
	if !errors.Is(err, broadcast.ErrEnvironmentBlocked) {
		t.Fatalf("err = %v, want ErrEnvironmentBlocked", err)
	}
	if recs, _ := f.store.ListIntentRecords(context.Background(), f.scope()); len(recs) != 0 {
		t.Fatalf("intent records = %d, want 0", len(recs))
	}
}

func TestProposeRejectsUnknownStrategy(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))

	_, err := f.svc.Propose(context.Background(), ProposeRequest{
		LocationID: testLocation,
		Auth:       f.signedRequest(t, ActionPropose),
		Strategy:   "yolo",
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestProposeNoPayablePlan(t *testing.T) {
	ghostPlanner := planning.PlannerFunc(func(context.Context, planning.PlanRequest) (plan.Candidate, error) {
		return plan.Candidate{Orders: []plan.Order{{
			SupplierID: "ghost",
			Items:      []plan.OrderItem{{SKU: "beef-5kg", Quantity: 2}},
		}}}, nil
	})
	f := newFixture(t, ghostPlanner)

	_, err := f.svc.Propose(context.Background(), ProposeRequest{
		LocationID: testLocation,
		Auth:       f.signedRequest(t, ActionPropose),
	})
	if !errors.Is(err, intentsvc.ErrNoPayableTransfers) {
		t.Fatalf("err = %v, want ErrNoPayableTransfers", err)
	}
	var npe *intentsvc.NoPayableError
	if !errors.As(err, &npe) || len(npe.Warnings) == 0 {
		t.Fatalf("err = %v, want NoPayableError with warnings", err)
	}
	if recs, _ := f.store.ListIntentRecords(context.Background(), f.scope()); len(recs) != 0 {
		t.Fatalf("intent records = %d, want 0", len(recs))
	}
}

func TestProposePlannerFailurePassesThrough(t *testing.T) {
	brokenPlanner := planning.PlannerFunc(func(context.Context, planning.PlanRequest) (plan.Candidate, error) {
		return plan.Candidate{}, planning.ErrPlannerMalformed
	})
	f := newFixture(t, brokenPlanner)

	_, err := f.svc.Propose(context.Background(), ProposeRequest{
		LocationID: testLocation,
		Auth:       f.signedRequest(t, ActionPropose),
	})
	if !errors.Is(err, planning.ErrPlannerMalformed) {
		t.Fatalf("err = %v, want ErrPlannerMalformed", err)
	}
}

func TestProposeRecordsBroadcastFailure(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))
	f.ledger.answer("requireApprovalForExecution(address)", boolWord(false), addrWord(f.owner))
	f.ledger.sendErr[0] = errors.New("insufficient funds for gas * price + value")

	res, err := f.svc.Propose(context.Background(), ProposeRequest{
		LocationID: testLocation,
		Auth:       f.signedRequest(t, ActionPropose),
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if len(res.Record.Outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(res.Record.Outcomes))
	}
	out := res.Record.Outcomes[0]
	if out.Status != intent.OutcomeFailed || out.Error == "" {
		t.Fatalf("outcome = %+v, want failed with error text", out)
	}

	// the reference is burned even though the transfer failed
	rec, err := f.store.GetIntentRecord(context.Background(), f.scope(), res.Record.IntentRef)
	if err != nil {
		t.Fatalf("GetIntentRecord: %v", err)
	}
	if rec.IntentID != res.Record.IntentID {
		t.Fatalf("stored record %q, want %q", rec.IntentID, res.Record.IntentID)
	}

	// nothing reached the ledger, so no pipeline record either
	if _, err := f.store.GetPipeline(context.Background(), f.scope(), res.Record.IntentRef); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("pipeline err = %v, want ErrNotFound", err)
	}
}

func TestListOpenOrdersPrefersRegistry(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))
	f.ledger.answer("requireApprovalForExecution(address)", boolWord(false), addrWord(f.owner))

	res, err := f.svc.Propose(context.Background(), ProposeRequest{
		LocationID: testLocation,
		Auth:       f.signedRequest(t, ActionPropose),
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	listing, err := f.svc.ListOpenOrders(context.Background(), testLocation)
	if err != nil {
		t.Fatalf("ListOpenOrders: %v", err)
	}
	if listing.Source != "registry" {
		t.Fatalf("source = %q, want registry", listing.Source)
	}
	if len(listing.Records) != 1 || listing.Records[0].IntentRef != res.Record.IntentRef {
		t.Fatalf("records = %+v, want the proposed intent", listing.Records)
	}
}

func TestListOpenOrdersFallsBackToChainScan(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))
	restRef := chain.RestaurantRef(testLocation)
	var ref [32]byte
	copy(ref[:], crypto.Keccak256([]byte("intent-a")))

	f.ledger.answer("nextOrderId()", uintWord(big.NewInt(2)))
	f.ledger.answer("pendingOrders(uint256)",
		orderTuple(f.owner, common.HexToAddress(meatcoPayout), chain.TokenAmountFromCents(7000),
			uint64(f.now.Add(-time.Hour).Unix()), false, false, ref, restRef),
		uintWord(big.NewInt(0)))
	f.ledger.answer("pendingOrders(uint256)",
		orderTuple(common.HexToAddress(foreignWallet), common.HexToAddress(meatcoPayout), chain.TokenAmountFromCents(500),
			uint64(f.now.Unix()), false, false, ref, restRef),
		uintWord(big.NewInt(1)))

	listing, err := f.svc.ListOpenOrders(context.Background(), testLocation)
	if err != nil {
		t.Fatalf("ListOpenOrders: %v", err)
	}
	if listing.Source != "chain" {
		t.Fatalf("source = %q, want chain", listing.Source)
	}
	if len(listing.OnChain) != 1 {
		t.Fatalf("on-chain orders = %d, want 1 (foreign order filtered)", len(listing.OnChain))
	}
	ord := listing.OnChain[0]
	if ord.OrderID != "0" || ord.AmountCents != 7000 || !ord.Executable {
		t.Fatalf("order = %+v", ord)
	}
	if ord.IntentRef != chain.RefToHex(ref) {
		t.Fatalf("intent ref = %q, want %q", ord.IntentRef, chain.RefToHex(ref))
	}
}

func TestListOpenOrdersCachesWithinTTL(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))
	f.ledger.answer("nextOrderId()", uintWord(big.NewInt(0)))

	first, err := f.svc.ListOpenOrders(context.Background(), testLocation)
	if err != nil {
		t.Fatalf("first ListOpenOrders: %v", err)
	}
	if first.Source != "chain" || len(first.OnChain) != 0 {
		t.Fatalf("first listing = %+v, want empty chain scan", first)
	}

	// a record written after the scan stays invisible until the TTL lapses
	if _, err := f.store.CreateIntentRecord(context.Background(), intent.Record{
		Environment:  string(config.EnvTesting),
		OwnerAddress: f.owner.Hex(),
		LocationID:   testLocation,
		IntentRef:    "0xcafe",
		IntentID:     "pi-1",
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	second, err := f.svc.ListOpenOrders(context.Background(), testLocation)
	if err != nil {
		t.Fatalf("second ListOpenOrders: %v", err)
	}
	if second.Source != "chain" || len(second.Records) != 0 {
		t.Fatalf("second listing = %+v, want cached chain scan", second)
	}
}

func TestExecuteOrderRelays(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))
	restRef := chain.RestaurantRef(testLocation)
	var ref [32]byte
	f.ledger.answer("pendingOrders(uint256)",
		orderTuple(f.owner, common.HexToAddress(meatcoPayout), chain.TokenAmountFromCents(7000),
			uint64(f.now.Add(-time.Minute).Unix()), false, false, ref, restRef),
		uintWord(big.NewInt(5)))

	res, err := f.svc.ExecuteOrder(context.Background(), testLocation, "5", f.signedRequest(t, ActionExecuteOrder))
	if err != nil {
		t.Fatalf("ExecuteOrder: %v", err)
	}
	if res.TxHash == "" {
		t.Fatalf("tx hash empty")
	}
	sent := f.ledger.sentTxs()
	if len(sent) != 1 || !bytes.HasPrefix(sent[0].Data(), selector("executeOrder(uint256)")) {
		t.Fatalf("sent = %d txs, want 1 executeOrder", len(sent))
	}
}

func TestExecuteOrderBeforeMaturity(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))
	restRef := chain.RestaurantRef(testLocation)
	var ref [32]byte
	f.ledger.answer("pendingOrders(uint256)",
		orderTuple(f.owner, common.HexToAddress(meatcoPayout), chain.TokenAmountFromCents(7000),
			uint64(f.now.Add(time.Hour).Unix()), false, false, ref, restRef),
		uintWord(big.NewInt(5)))

	_, err := f.svc.ExecuteOrder(context.Background(), testLocation, "5", f.signedRequest(t, ActionExecuteOrder))
	if !errors.Is(err, ErrOrderNotReady) {
		t.Fatalf("err = %v, want ErrOrderNotReady", err)
	}
	if sent := f.ledger.sentTxs(); len(sent) != 0 {
		t.Fatalf("sent %d txs, want 0", len(sent))
	}
}

func TestExecuteOrderAlreadyClosed(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))
	restRef := chain.RestaurantRef(testLocation)
	var ref [32]byte
	f.ledger.answer("pendingOrders(uint256)",
		orderTuple(f.owner, common.HexToAddress(meatcoPayout), chain.TokenAmountFromCents(7000),
			uint64(f.now.Add(-time.Minute).Unix()), false, true, ref, restRef),
		uintWord(big.NewInt(5)))

	_, err := f.svc.ExecuteOrder(context.Background(), testLocation, "5", f.signedRequest(t, ActionExecuteOrder))
	if !errors.Is(err, ErrOrderClosed) {
		t.Fatalf("err = %v, want ErrOrderClosed", err)
	}
}

func TestExecuteOrderForeignOwnerReadsAsMissing(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))
	restRef := chain.RestaurantRef(testLocation)
	var ref [32]byte
	f.ledger.answer("pendingOrders(uint256)",
		orderTuple(common.HexToAddress(foreignWallet), common.HexToAddress(meatcoPayout), chain.TokenAmountFromCents(7000),
			uint64(f.now.Add(-time.Minute).Unix()), false, false, ref, restRef),
		uintWord(big.NewInt(5)))

	_, err := f.svc.ExecuteOrder(context.Background(), testLocation, "5", f.signedRequest(t, ActionExecuteOrder))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestExecuteOrderRejectsBadID(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))

	_, err := f.svc.ExecuteOrder(context.Background(), testLocation, "not-a-number", f.signedRequest(t, ActionExecuteOrder))
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestCancelOrderRelaysBeforeMaturity(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))
	restRef := chain.RestaurantRef(testLocation)
	var ref [32]byte
	f.ledger.answer("pendingOrders(uint256)",
		orderTuple(f.owner, common.HexToAddress(meatcoPayout), chain.TokenAmountFromCents(7000),
			uint64(f.now.Add(time.Hour).Unix()), false, false, ref, restRef),
		uintWord(big.NewInt(9)))

	res, err := f.svc.CancelOrder(context.Background(), testLocation, "9", f.signedRequest(t, ActionCancelOrder))
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if res.TxHash == "" {
		t.Fatalf("tx hash empty")
	}
	sent := f.ledger.sentTxs()
	if len(sent) != 1 || !bytes.HasPrefix(sent[0].Data(), selector("cancelOrder(uint256)")) {
		t.Fatalf("sent = %d txs, want 1 cancelOrder", len(sent))
	}
}

func TestSetIntentApprovalRelays(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))
	ref := "0x" + hex.EncodeToString(crypto.Keccak256([]byte("intent-a")))

	res, err := f.svc.SetIntentApproval(context.Background(), testLocation, ref, true, f.signedRequest(t, ActionSetIntentApproval))
	if err != nil {
		t.Fatalf("SetIntentApproval: %v", err)
	}
	if res.TxHash == "" {
		t.Fatalf("tx hash empty")
	}
	sent := f.ledger.sentTxs()
	if len(sent) != 1 || !bytes.HasPrefix(sent[0].Data(), selector("setIntentApproval(bytes32,bool)")) {
		t.Fatalf("sent = %d txs, want 1 setIntentApproval", len(sent))
	}
}

func TestSetIntentApprovalRejectsBadRef(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))

	_, err := f.svc.SetIntentApproval(context.Background(), testLocation, "0x1234", true, f.signedRequest(t, ActionSetIntentApproval))
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestSetAgentRelays(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))

	res, err := f.svc.SetAgent(context.Background(), testLocation, f.funding.Hex(), true, f.signedRequest(t, ActionSetAgent))
	if err != nil {
		t.Fatalf("SetAgent: %v", err)
	}
	if res.TxHash == "" {
		t.Fatalf("tx hash empty")
	}
	sent := f.ledger.sentTxs()
	if len(sent) != 1 || !bytes.HasPrefix(sent[0].Data(), selector("setAgent(address,bool)")) {
		t.Fatalf("sent = %d txs, want 1 setAgent", len(sent))
	}

	_, err = f.svc.SetAgent(context.Background(), testLocation, "0x12", true, f.signedRequest(t, ActionSetAgent))
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestSetRequireApprovalRelays(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))

	res, err := f.svc.SetRequireApproval(context.Background(), testLocation, true, f.signedRequest(t, ActionSetRequireApproval))
	if err != nil {
		t.Fatalf("SetRequireApproval: %v", err)
	}
	if res.TxHash == "" {
		t.Fatalf("tx hash empty")
	}
	sent := f.ledger.sentTxs()
	if len(sent) != 1 || !bytes.HasPrefix(sent[0].Data(), selector("setRequireApprovalForExecution(bool)")) {
		t.Fatalf("sent = %d txs, want 1 setRequireApprovalForExecution", len(sent))
	}
}

func TestChainDisabledOperations(t *testing.T) {
	f := newFixture(t, meatcoPlanner(7))
	f.svc.treasury = nil
	f.svc.broadcaster = nil

	_, err := f.svc.Propose(context.Background(), ProposeRequest{
		LocationID: testLocation,
		Auth:       f.signedRequest(t, ActionPropose),
	})
	if !errors.Is(err, ErrChainDisabled) {
		t.Fatalf("Propose err = %v, want ErrChainDisabled", err)
	}

	// registry reads keep working without a ledger
	listing, err := f.svc.ListOpenOrders(context.Background(), testLocation)
	if err != nil {
		t.Fatalf("ListOpenOrders: %v", err)
	}
	if listing.Source != "registry" || len(listing.Records) != 0 {
		t.Fatalf("listing = %+v, want empty registry", listing)
	}
}
