package exchange

import (
	"errors"
	"testing"

	"sxchain/core/types"
)

const testMinFee = uint64(1_000)

type mockState struct {
	exchanges map[uint64]*Exchange
	balances  map[[20]byte]uint64
	holdings  map[[20]byte]map[uint64]uint64
}

func newMockState() *mockState {
	return &mockState{
		exchanges: make(map[uint64]*Exchange),
		balances:  make(map[[20]byte]uint64),
		holdings:  make(map[[20]byte]map[uint64]uint64),
	}
}

func (m *mockState) ExchangePut(x *Exchange) error {
	sanitized, err := SanitizeExchange(x)
	if err != nil {
		return err
	}
	m.exchanges[sanitized.AppID] = sanitized.Clone()
	return nil
}

func (m *mockState) ExchangeGet(appID uint64) (*Exchange, bool) {
	x, ok := m.exchanges[appID]
	if !ok {
		return nil, false
	}
	return x.Clone(), true
}

func (m *mockState) ExchangeDelete(appID uint64) error {
	delete(m.exchanges, appID)
	return nil
}

func (m *mockState) Holding(addr [20]byte, assetID uint64) (uint64, bool) {
	slots, ok := m.holdings[addr]
	if !ok {
		return 0, false
	}
	amt, ok := slots[assetID]
	return amt, ok
}

func (m *mockState) OptInAsset(addr [20]byte, assetID uint64) error {
	slots := m.holdings[addr]
	if slots == nil {
		slots = make(map[uint64]uint64)
		m.holdings[addr] = slots
	}
	if _, ok := slots[assetID]; ok {
		return errors.New("already opted in")
	}
	slots[assetID] = 0
	return nil
}

func (m *mockState) Pay(from, to [20]byte, amount uint64) error {
	if m.balances[from] < amount {
		return errors.New("insufficient balance")
	}
	m.balances[from] -= amount
	m.balances[to] += amount
	return nil
}

func (m *mockState) CloseAssetTo(from [20]byte, assetID uint64, to [20]byte) error {
	slots, ok := m.holdings[from]
	if !ok {
		return errors.New("not opted in")
	}
	amt, ok := slots[assetID]
	if !ok {
		return errors.New("not opted in")
	}
	delete(slots, assetID)
	dest := m.holdings[to]
	if dest == nil {
		dest = make(map[uint64]uint64)
		m.holdings[to] = dest
	}
	dest[assetID] += amt
	return nil
}

func (m *mockState) CloseAccountTo(from, to [20]byte) error {
	m.balances[to] += m.balances[from]
	m.balances[from] = 0
	return nil
}

// creditAsset mimics the asset-transfer group member that deposits the stock.
func (m *mockState) creditAsset(addr [20]byte, assetID, amount uint64) {
	slots := m.holdings[addr]
	if slots == nil {
		slots = make(map[uint64]uint64)
		m.holdings[addr] = slots
	}
	slots[assetID] += amount
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

type testEnv struct {
	engine *Engine
	state  *mockState
	now    int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{state: newMockState(), now: 1_000_000}
	env.engine = NewEngine(testMinFee)
	env.engine.SetState(env.state)
	env.engine.SetNowFunc(func() int64 { return env.now })
	return env
}

const (
	testAssetID = uint64(42)
	testAppID   = uint64(7)
)

var (
	seller  = newTestAddress(0x01)
	creator = newTestAddress(0x02)
	bidder1 = newTestAddress(0x03)
	bidder2 = newTestAddress(0x04)
)

func (env *testEnv) create(t *testing.T, start, end int64, reserve, increment uint64) *Exchange {
	t.Helper()
	call := Call{
		Sender: creator,
		Args:   EncodeCreateArgs(seller, testAssetID, start, end, reserve, increment),
	}
	x, err := env.engine.Create(call, testAppID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return x
}

// setUp drives the instance into the Active-ready state: escrow funded,
// opted in, one asset unit deposited.
func (env *testEnv) setUp(t *testing.T, stockAmount uint64) {
	t.Helper()
	escrow := escrowAddress(testAppID)
	env.state.balances[escrow] = 202_000
	if err := env.engine.Setup(Call{Sender: creator, AppID: testAppID, GroupAppCalls: 1}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	env.state.creditAsset(escrow, testAssetID, stockAmount)
}

// bidCall assembles the canonical two-transaction bid group view and, like
// the ledger, credits the companion payment to the escrow before dispatch.
// The current lead bidder, when one exists, is carried as an account
// reference the way the composer builds the group.
func (env *testEnv) bidCall(bidder [20]byte, amount uint64) Call {
	escrow := escrowAddress(testAppID)
	env.state.balances[escrow] += amount
	call := Call{
		Sender:     bidder,
		AppID:      testAppID,
		Args:       [][]byte{[]byte(MethodBid)},
		GroupIndex: 1,
		Group: []GroupTxn{
			{Type: types.TxTypePayment, Sender: bidder, Receiver: escrow, Amount: amount},
			{Type: types.TxTypeAppCall, Sender: bidder},
		},
		GroupAppCalls: 1,
	}
	if x, ok := env.state.ExchangeGet(testAppID); ok && x.HasLeadBidder() {
		call.Accounts = [][20]byte{x.LeadBidAccount}
	}
	return call
}

func TestCreateRejectsBadWindows(t *testing.T) {
	env := newTestEnv(t)
	start := env.now + 10
	end := start + 30

	// start in the past
	call := Call{Sender: creator, Args: EncodeCreateArgs(seller, testAssetID, env.now-1, end, 0, 0)}
	if _, err := env.engine.Create(call, testAppID); !errors.Is(err, ErrOutsideWindow) {
		t.Fatalf("expected ErrOutsideWindow for past start, got %v", err)
	}
	// start == now
	call = Call{Sender: creator, Args: EncodeCreateArgs(seller, testAssetID, env.now, end, 0, 0)}
	if _, err := env.engine.Create(call, testAppID); !errors.Is(err, ErrOutsideWindow) {
		t.Fatalf("expected ErrOutsideWindow for start==now, got %v", err)
	}
	// start >= end
	call = Call{Sender: creator, Args: EncodeCreateArgs(seller, testAssetID, start, start, 0, 0)}
	if _, err := env.engine.Create(call, testAppID); !errors.Is(err, ErrOutsideWindow) {
		t.Fatalf("expected ErrOutsideWindow for start>=end, got %v", err)
	}
	if len(env.state.exchanges) != 0 {
		t.Fatalf("rejected creations must leave no state, found %d", len(env.state.exchanges))
	}
}

func TestCreateInitialisesState(t *testing.T) {
	env := newTestEnv(t)
	x := env.create(t, env.now+10, env.now+40, 1_000_000, 100_000)
	if x.HasLeadBidder() {
		t.Fatalf("fresh exchange must use the none sentinel for the lead account")
	}
	if x.NumBids != 0 || x.LeadBidAmount != 0 {
		t.Fatalf("fresh exchange has bids: %+v", x)
	}
	if x.Creator != creator || x.Seller != seller {
		t.Fatalf("creator/seller not recorded: %+v", x)
	}
	if x.IsSetUp {
		t.Fatalf("fresh exchange must not be set up")
	}
}

func TestSetupWindowAndIdempotence(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.now+10, env.now+40, 1_000_000, 100_000)

	if err := env.engine.Setup(Call{Sender: creator, AppID: testAppID, GroupAppCalls: 2}); !errors.Is(err, ErrMalformedGroup) {
		t.Fatalf("setup with sibling app call: expected ErrMalformedGroup, got %v", err)
	}

	if err := env.engine.Setup(Call{Sender: creator, AppID: testAppID, GroupAppCalls: 1}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, opted := env.state.Holding(escrowAddress(testAppID), testAssetID); !opted {
		t.Fatalf("escrow must be opted in after setup")
	}
	if err := env.engine.Setup(Call{Sender: creator, AppID: testAppID, GroupAppCalls: 1}); !errors.Is(err, ErrAlreadySetUp) {
		t.Fatalf("second setup: expected ErrAlreadySetUp, got %v", err)
	}

	env.now += 10 // reaches StartTime
	if err := env.engine.Setup(Call{Sender: creator, AppID: testAppID, GroupAppCalls: 1}); !errors.Is(err, ErrOutsideWindow) {
		t.Fatalf("setup after start: expected ErrOutsideWindow, got %v", err)
	}
}

func TestBidBeforeStartRejected(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.now+10, env.now+40, 1_000_000, 100_000)
	env.setUp(t, 1)

	before, _ := env.state.ExchangeGet(testAppID)
	if err := env.engine.Bid(env.bidCall(bidder1, 1_000_000)); !errors.Is(err, ErrOutsideWindow) {
		t.Fatalf("expected ErrOutsideWindow, got %v", err)
	}
	after, _ := env.state.ExchangeGet(testAppID)
	if *before != *after {
		t.Fatalf("rejected bid mutated state: %+v != %+v", before, after)
	}
}

func TestBidRequiresSetup(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.now+10, env.now+40, 1_000_000, 100_000)
	env.now += 10
	if err := env.engine.Bid(env.bidCall(bidder1, 1_000_000)); !errors.Is(err, ErrNotSetUp) {
		t.Fatalf("expected ErrNotSetUp, got %v", err)
	}
}

func TestBidCompanionShape(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.now+10, env.now+40, 1_000_000, 100_000)
	env.setUp(t, 1)
	env.now += 10
	escrow := escrowAddress(testAppID)

	cases := []struct {
		name   string
		mutate func(*Call)
	}{
		{"missing companion", func(c *Call) { c.GroupIndex = 0; c.Group = c.Group[1:] }},
		{"companion not a payment", func(c *Call) { c.Group[0].Type = types.TxTypeAssetTransfer }},
		{"sender mismatch", func(c *Call) { c.Group[0].Sender = bidder2 }},
		{"wrong receiver", func(c *Call) { c.Group[0].Receiver = seller }},
		{"below min fee", func(c *Call) { c.Group[0].Amount = testMinFee - 1 }},
	}
	for _, tc := range cases {
		call := env.bidCall(bidder1, 1_000_000)
		env.state.balances[escrow] -= 1_000_000 // undo the helper's credit
		tc.mutate(&call)
		if err := env.engine.Bid(call); !errors.Is(err, ErrMalformedGroup) {
			t.Fatalf("%s: expected ErrMalformedGroup, got %v", tc.name, err)
		}
	}
}

func TestBidThresholdInclusive(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.now+10, env.now+40, 1_000_000, 100_000)
	env.setUp(t, 1)
	env.now += 10

	if err := env.engine.Bid(env.bidCall(bidder1, 1_000_000)); err != nil {
		t.Fatalf("first bid: %v", err)
	}
	// 1_000_100 < 1_000_000 + 100_000: rejected even though above the lead.
	if err := env.engine.Bid(env.bidCall(bidder2, 1_000_100)); !errors.Is(err, ErrBidTooLow) {
		t.Fatalf("expected ErrBidTooLow, got %v", err)
	}
	x, _ := env.state.ExchangeGet(testAppID)
	if x.LeadBidAccount != bidder1 || x.LeadBidAmount != 1_000_000 || x.NumBids != 1 {
		t.Fatalf("rejected bid mutated state: %+v", x)
	}
	// Exactly lead + increment supersedes (inclusive threshold).
	if err := env.engine.Bid(env.bidCall(bidder2, 1_100_000)); err != nil {
		t.Fatalf("threshold bid: %v", err)
	}
	x, _ = env.state.ExchangeGet(testAppID)
	if x.LeadBidAccount != bidder2 || x.LeadBidAmount != 1_100_000 || x.NumBids != 2 {
		t.Fatalf("threshold bid not applied: %+v", x)
	}
}

func TestBidRefundsPreviousLeader(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.now+10, env.now+40, 1_000_000, 100_000)
	env.setUp(t, 1)
	env.now += 10

	if err := env.engine.Bid(env.bidCall(bidder1, 1_000_000)); err != nil {
		t.Fatalf("first bid: %v", err)
	}
	if err := env.engine.Bid(env.bidCall(bidder2, 1_200_000)); err != nil {
		t.Fatalf("second bid: %v", err)
	}
	if got := env.state.balances[bidder1]; got != 1_000_000-testMinFee {
		t.Fatalf("previous leader refund: want %d, got %d", 1_000_000-testMinFee, got)
	}
}

func TestBidRequiresLeadBidderReference(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.now+10, env.now+40, 1_000_000, 100_000)
	env.setUp(t, 1)
	env.now += 10
	escrow := escrowAddress(testAppID)

	if err := env.engine.Bid(env.bidCall(bidder1, 1_000_000)); err != nil {
		t.Fatalf("first bid: %v", err)
	}

	// A superseding bid that does not reference the previous leader cannot
	// deliver the refund and must be rejected wholesale.
	call := env.bidCall(bidder2, 1_200_000)
	call.Accounts = nil
	if err := env.engine.Bid(call); !errors.Is(err, ErrMalformedGroup) {
		t.Fatalf("expected ErrMalformedGroup, got %v", err)
	}
	env.state.balances[escrow] -= 1_200_000 // undo the helper's credit

	x, _ := env.state.ExchangeGet(testAppID)
	if x.LeadBidAccount != bidder1 || x.LeadBidAmount != 1_000_000 || x.NumBids != 1 {
		t.Fatalf("rejected bid mutated state: %+v", x)
	}
	if got := env.state.balances[bidder1]; got != 0 {
		t.Fatalf("no refund may be issued, bidder1 holds %d", got)
	}

	// Referencing an unrelated account does not satisfy the requirement.
	call = env.bidCall(bidder2, 1_200_000)
	call.Accounts = [][20]byte{seller}
	if err := env.engine.Bid(call); !errors.Is(err, ErrMalformedGroup) {
		t.Fatalf("expected ErrMalformedGroup, got %v", err)
	}
}

func TestCloseCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.now+10, env.now+40, 1_000_000, 100_000)
	env.setUp(t, 1)
	escrow := escrowAddress(testAppID)

	if err := env.engine.Close(Call{Sender: bidder1, AppID: testAppID}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.Close(Call{Sender: seller, AppID: testAppID}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := env.state.holdings[seller][testAssetID]; got != 1 {
		t.Fatalf("asset must return to seller, got %d", got)
	}
	if env.state.balances[escrow] != 0 {
		t.Fatalf("escrow balance must be swept, got %d", env.state.balances[escrow])
	}
	if _, ok := env.state.ExchangeGet(testAppID); ok {
		t.Fatalf("global state must be deleted")
	}
}

func TestCloseSettlementReserveMet(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.now+10, env.now+40, 1_000_000, 100_000)
	env.setUp(t, 1)
	env.now += 10
	if err := env.engine.Bid(env.bidCall(bidder1, 1_000_000)); err != nil {
		t.Fatalf("bid: %v", err)
	}

	env.now += 30
	sellerBefore := env.state.balances[seller]
	if err := env.engine.Close(Call{Sender: bidder2, AppID: testAppID}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := env.state.holdings[bidder1][testAssetID]; got != 1 {
		t.Fatalf("asset must go to the lead bidder, got %d", got)
	}
	if env.state.balances[escrowAddress(testAppID)] != 0 {
		t.Fatalf("escrow must end with zero balance")
	}
	gained := env.state.balances[seller] - sellerBefore
	if gained < 1_000_000-testMinFee {
		t.Fatalf("seller must gain at least the bid minus one fee, gained %d", gained)
	}
	if _, ok := env.state.ExchangeGet(testAppID); ok {
		t.Fatalf("global state must be deleted")
	}
}

func TestCloseSettlementReserveUnmet(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.now+10, env.now+40, 2_000_000, 100_000)
	env.setUp(t, 1)
	env.now += 10
	if err := env.engine.Bid(env.bidCall(bidder1, 1_000_000)); err != nil {
		t.Fatalf("bid: %v", err)
	}

	env.now += 30
	if err := env.engine.Close(Call{Sender: seller, AppID: testAppID}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := env.state.holdings[seller][testAssetID]; got != 1 {
		t.Fatalf("asset must return to the seller, got %d", got)
	}
	if got := env.state.balances[bidder1]; got != 1_000_000-testMinFee {
		t.Fatalf("losing leader refund: want %d, got %d", 1_000_000-testMinFee, got)
	}
	if env.state.balances[escrowAddress(testAppID)] != 0 {
		t.Fatalf("escrow must end with zero balance")
	}
}

func TestCloseSettlementNoBids(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.now+10, env.now+40, 1_000_000, 100_000)
	env.setUp(t, 1)

	env.now += 40
	if err := env.engine.Close(Call{Sender: bidder2, AppID: testAppID}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := env.state.holdings[seller][testAssetID]; got != 1 {
		t.Fatalf("asset must return to the seller, got %d", got)
	}
	if env.state.balances[escrowAddress(testAppID)] != 0 {
		t.Fatalf("escrow must end with zero balance")
	}
}

func TestCloseDuringActiveWindowRejected(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.now+10, env.now+40, 1_000_000, 100_000)
	env.setUp(t, 1)
	env.now += 10
	if err := env.engine.Close(Call{Sender: seller, AppID: testAppID}); !errors.Is(err, ErrOutsideWindow) {
		t.Fatalf("expected ErrOutsideWindow, got %v", err)
	}
}

func TestLeadBidAmountNonDecreasing(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, env.now+10, env.now+40, 1_000_000, 100_000)
	env.setUp(t, 1)
	env.now += 10

	prev := uint64(0)
	amounts := []uint64{500_000, 600_000, 700_000, 1_500_000}
	for _, amt := range amounts {
		if err := env.engine.Bid(env.bidCall(bidder1, amt)); err != nil {
			t.Fatalf("bid %d: %v", amt, err)
		}
		x, _ := env.state.ExchangeGet(testAppID)
		if x.LeadBidAmount < prev {
			t.Fatalf("lead bid decreased from %d to %d", prev, x.LeadBidAmount)
		}
		prev = x.LeadBidAmount
	}
}
