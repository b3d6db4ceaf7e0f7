package mm

import (
	"context"
	"crypto/ed25519"
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"jitdex.org/jitmaker/client/account"
	"jitdex.org/jitmaker/client/dispatch"
	"jitdex.org/jitmaker/client/orderbook"
	"jitdex.org/jitmaker/dex"
	"jitdex.org/jitmaker/dex/keygen"
	"jitdex.org/jitmaker/dex/order"
)

var (
	tLogger = dex.StdOutLogger("TMM", dex.LevelTrace)
	tMarket = order.MarketID{Index: 0, Kind: order.Perp}
)

type tClock struct {
	c   chan uint64
	err error
}

func (c *tClock) Subscribe(ctx context.Context) (<-chan uint64, error) {
	return c.c, c.err
}

type tBook struct {
	*orderbook.Publisher
}

func (b *tBook) publish(t *testing.T, slot uint64, mark float64, auctions ...*order.AuctionOrder) {
	t.Helper()
	err := b.Publish(orderbook.NewSnapshot(slot, map[order.MarketID]*orderbook.MarketState{
		tMarket: {MarkPrice: mark, Auctions: auctions},
	}))
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
}

type tAccounts struct {
	*account.Map
	hookMtx sync.Mutex
	hook    func()
}

func (a *tAccounts) Position(sub, mkt uint16) (*account.Position, error) {
	a.hookMtx.Lock()
	hook := a.hook
	a.hook = nil
	a.hookMtx.Unlock()
	if hook != nil {
		hook()
	}
	return a.Map.Position(sub, mkt)
}

func (a *tAccounts) set(sub uint16, collateral, size float64) {
	a.Update(&account.Snapshot{
		SubAccountID: sub,
		Collateral:   collateral,
		Positions:    map[uint16]account.MarketPosition{tMarket.Index: {Size: size}},
	})
}

type tSubmission struct {
	ins    *order.SignedInstruction
	fill   *order.FillParams
	budget *dispatch.ComputeBudget
	resC   chan *dispatch.Result
}

type tDispatcher struct {
	mtx       sync.Mutex
	subs      []*tSubmission
	submitted chan *tSubmission
}

func newTDispatcher() *tDispatcher {
	return &tDispatcher{submitted: make(chan *tSubmission, 100)}
}

func (d *tDispatcher) Submit(ctx context.Context, ins *order.SignedInstruction, budget *dispatch.ComputeBudget) <-chan *dispatch.Result {
	fill, _ := order.DecodeFill(ins.Message)
	s := &tSubmission{ins: ins, fill: fill, budget: budget, resC: make(chan *dispatch.Result, 1)}
	d.mtx.Lock()
	d.subs = append(d.subs, s)
	d.mtx.Unlock()
	d.submitted <- s
	return s.resC
}

func (d *tDispatcher) count() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.subs)
}

func tMarketConfig() *MarketConfig {
	return &MarketConfig{
		MarketIndex:         tMarket.Index,
		Kind:                tMarket.Kind,
		TargetLeverage:      1,
		Spread:              -0.01,
		VolatilityThreshold: 0.015,
	}
}

type tEngine struct {
	*Engine
	clock    *tClock
	book     *tBook
	accounts *tAccounts
	disp     *tDispatcher
	kp       *keygen.Keypair
}

func newTEngine(t *testing.T, cfg *Config) *tEngine {
	t.Helper()
	if cfg == nil {
		cfg = &Config{
			Markets:     []*MarketConfig{tMarketConfig()},
			SubAccounts: []uint16{0},
		}
	}
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	te := &tEngine{
		clock:    &tClock{c: make(chan uint64, 10)},
		book:     &tBook{orderbook.NewPublisher()},
		accounts: &tAccounts{Map: account.NewMap()},
		disp:     newTDispatcher(),
		kp:       keygen.NewKeypair(priv),
	}
	te.Engine, err = NewEngine(cfg, te.clock, te.book, te.accounts, te.disp, te.kp, tLogger)
	if err != nil {
		t.Fatalf("NewEngine error: %v", err)
	}
	return te
}

func (te *tEngine) mkt() *marketRunner {
	return te.byID[tMarket]
}

// evaluateLatest evaluates the latest snapshot at its own slot.
func (te *tEngine) evaluateLatest() ([]*FillDecision, *quotes) {
	mr := te.mkt()
	mr.mtx.Lock()
	defer mr.mtx.Unlock()
	snap := te.book.Latest()
	return te.evaluate(mr, snap, snap.Slot)
}

// resolve sends the result for the submission and waits for the relay to
// signal the market.
func (te *tEngine) resolve(t *testing.T, s *tSubmission, status dispatch.Status) {
	t.Helper()
	s.resC <- &dispatch.Result{Status: status, Slot: 1, Reason: status.String()}
	select {
	case mkt := <-te.resultC:
		if mkt != tMarket {
			t.Fatalf("result for wrong market %s", mkt)
		}
	case <-time.After(time.Second):
		t.Fatal("result not relayed")
	}
}

var tTakerCount uint32

func tAuction(dir order.Direction, startPrice, endPrice float64, startSlot, duration uint64, remaining float64) *order.AuctionOrder {
	tTakerCount++
	return &order.AuctionOrder{
		ID:         order.OrderID{User: "taker", ID: tTakerCount},
		Market:     tMarket,
		Direction:  dir,
		StartPrice: startPrice,
		EndPrice:   endPrice,
		StartSlot:  startSlot,
		Duration:   duration,
		Remaining:  remaining,
		Taker:      "taker",
	}
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestQuotePricing(t *testing.T) {
	tests := []struct {
		name      string
		ord       *order.AuctionOrder
		slot      uint64
		spread    float64
		wantRef   float64
		wantPrice float64
		wantDir   order.Direction
		none      bool
	}{
		{
			name:      "countering a buy-side auction",
			ord:       tAuction(order.Long, 95, 105, 100, 10, 1),
			slot:      105,
			spread:    -0.01,
			wantRef:   100,
			wantPrice: 101,
			wantDir:   order.Short,
		},
		{
			name:      "countering a sell-side auction",
			ord:       tAuction(order.Short, 100, 90, 0, 10, 1),
			slot:      5,
			spread:    -0.01,
			wantRef:   95,
			wantPrice: 94.05,
			wantDir:   order.Long,
		},
		{
			name:      "clamped after the end",
			ord:       tAuction(order.Short, 100, 90, 0, 10, 1),
			slot:      10,
			spread:    -0.01,
			wantRef:   90,
			none:      true, // 89.1 does not cross the 90 limit
		},
		{
			name:    "positive spread is on the wrong side",
			ord:     tAuction(order.Long, 95, 105, 100, 10, 1),
			slot:    105,
			spread:  0.01,
			wantRef: 100,
			none:    true,
		},
		{
			name:   "quote beyond the taker limit",
			ord:    tAuction(order.Long, 99, 100.5, 100, 10, 1),
			slot:   110,
			spread: -0.01,
			none:   true,
		},
		{
			name:   "not started",
			ord:    tAuction(order.Long, 95, 105, 100, 10, 1),
			slot:   99,
			spread: -0.01,
			none:   true,
		},
		{
			name:   "ended",
			ord:    tAuction(order.Long, 95, 105, 100, 10, 1),
			slot:   111,
			spread: -0.01,
			none:   true,
		},
		{
			name:   "nothing remaining",
			ord:    tAuction(order.Long, 95, 105, 100, 10, 0),
			slot:   105,
			spread: -0.01,
			none:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTEngine(t, nil)
			te.mkt().cfg.Spread = tt.spread
			te.accounts.set(0, 10_000, 0)
			te.book.publish(t, tt.slot, 100, tt.ord)
			decisions, _ := te.evaluateLatest()
			if tt.none {
				if len(decisions) != 0 {
					t.Fatalf("expected no decisions, got %+v", decisions[0])
				}
				return
			}
			if len(decisions) != 1 {
				t.Fatalf("expected 1 decision, got %d", len(decisions))
			}
			d := decisions[0]
			if !near(d.ReferencePrice, tt.wantRef) {
				t.Fatalf("wrong reference price %f, wanted %f", d.ReferencePrice, tt.wantRef)
			}
			if !near(d.Price, tt.wantPrice) {
				t.Fatalf("wrong price %f, wanted %f", d.Price, tt.wantPrice)
			}
			if d.Direction != tt.wantDir {
				t.Fatalf("wrong direction %s", d.Direction)
			}
			if d.ExpirySlot != tt.ord.EndSlot() || d.Order != tt.ord.ID || d.Size != tt.ord.Remaining {
				t.Fatalf("wrong decision %+v", d)
			}
		})
	}
}

func TestVolatilityGate(t *testing.T) {
	cfg := &Config{
		Markets:         []*MarketConfig{tMarketConfig()},
		SubAccounts:     []uint16{0},
		VolatilityAlpha: 1,
	}
	te := newTEngine(t, cfg)
	te.accounts.set(0, 10_000, 0)
	ord := tAuction(order.Long, 95, 105, 0, 100, 1)

	te.book.publish(t, 1, 100, ord)
	if decisions, _ := te.evaluateLatest(); len(decisions) != 1 {
		t.Fatalf("expected a decision before the move, got %d", len(decisions))
	}

	// 2% move.
	te.book.publish(t, 2, 102, ord)
	decisions, q := te.evaluateLatest()
	if len(decisions) != 0 || !q.gated {
		t.Fatalf("volatility gate did not trip. %d decisions", len(decisions))
	}
	if !near(q.volatility, 0.02) {
		t.Fatalf("wrong volatility %f", q.volatility)
	}
	// Same slot does not move the estimate.
	if _, q := te.evaluateLatest(); !near(q.volatility, 0.02) {
		t.Fatalf("re-evaluation moved volatility to %f", q.volatility)
	}

	te.book.publish(t, 3, 102, ord)
	decisions, q = te.evaluateLatest()
	if len(decisions) != 1 || q.gated || q.volatility != 0 {
		t.Fatalf("gate did not reopen. %d decisions, volatility %f", len(decisions), q.volatility)
	}
}

func TestLeverageBound(t *testing.T) {
	cfg := &Config{
		Markets:     []*MarketConfig{tMarketConfig()},
		SubAccounts: []uint16{0, 1},
	}
	cfg.Markets[0].TargetLeverage = 2
	te := newTEngine(t, cfg)
	const mark, collateral, position = 100.0, 1000.0, -5.0
	te.accounts.set(0, collateral, position)
	// Subaccount 1 is unknown.

	a := tAuction(order.Long, 100, 120, 0, 20, 10)
	b := tAuction(order.Long, 100, 120, 0, 20, 10)
	te.book.publish(t, 0, mark, a, b)
	decisions, _ := te.evaluateLatest()
	if len(decisions) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(decisions))
	}
	var total float64
	for _, d := range decisions {
		if d.SubAccountID != 0 {
			t.Fatalf("wrong subaccount %d", d.SubAccountID)
		}
		total += d.Size
	}
	if decisions[0].Size != 10 || decisions[1].Size != 5 {
		t.Fatalf("wrong sizes %f, %f", decisions[0].Size, decisions[1].Size)
	}
	if total*mark > 2*collateral-math.Abs(position)*mark+1e-9 {
		t.Fatalf("leverage exceeded: %f notional", total*mark)
	}

	// Subaccount 1 picks up what subaccount 0 cannot.
	te.accounts.set(0, collateral, -15)
	te.accounts.set(1, 500, 0)
	decisions, _ = te.evaluateLatest()
	if len(decisions) != 2 || decisions[0].Size != 5 || decisions[0].SubAccountID != 0 ||
		decisions[1].Size != 10 || decisions[1].SubAccountID != 1 {
		t.Fatalf("second subaccount not used: %+v, %+v", decisions[0], decisions[1])
	}

	// Step size rounding.
	te.mkt().cfg.StepSize = 4
	te.accounts.set(0, collateral, position)
	te.accounts.set(1, 0, 0)
	decisions, _ = te.evaluateLatest()
	if len(decisions) != 2 || decisions[0].Size != 8 || decisions[1].Size != 4 {
		t.Fatalf("wrong stepped sizes %+v", decisions)
	}
}

func TestNoHeadroomNoDispatch(t *testing.T) {
	te := newTEngine(t, nil)
	te.accounts.set(0, 0, 0)
	te.book.publish(t, 105, 100, tAuction(order.Long, 95, 105, 100, 10, 1))
	te.runPass(context.Background(), te.mkt())
	if n := te.disp.count(); n != 0 {
		t.Fatalf("dispatcher called %d times", n)
	}

	// At the leverage target.
	te.accounts.set(0, 1000, 10)
	te.runPass(context.Background(), te.mkt())
	if n := te.disp.count(); n != 0 {
		t.Fatalf("dispatcher called %d times", n)
	}

	// No mark price.
	te.accounts.set(0, 1000, 0)
	te.book.publish(t, 105, 0, tAuction(order.Long, 95, 105, 100, 10, 1))
	te.runPass(context.Background(), te.mkt())
	if n := te.disp.count(); n != 0 {
		t.Fatalf("dispatcher called %d times", n)
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	te := newTEngine(t, nil)
	te.accounts.set(0, 1000, 0)
	te.book.publish(t, 105, 100,
		tAuction(order.Long, 95, 105, 100, 10, 3),
		tAuction(order.Short, 105, 95, 101, 10, 4),
		tAuction(order.Long, 95, 110, 102, 10, 5),
	)
	first, q1 := te.evaluateLatest()
	second, q2 := te.evaluateLatest()
	if len(first) != 3 {
		t.Fatalf("expected 3 decisions, got %d", len(first))
	}
	if !reflect.DeepEqual(first, second) || !reflect.DeepEqual(q1, q2) {
		t.Fatal("evaluation not idempotent")
	}
}

func TestSortCandidates(t *testing.T) {
	mk := func(edge float64, startSlot uint64, user string, id uint32) *candidate {
		return &candidate{
			ord:  &order.AuctionOrder{ID: order.OrderID{User: user, ID: id}, StartSlot: startSlot},
			edge: edge,
		}
	}
	want := []*candidate{
		mk(2, 5, "b", 1),
		mk(1, 3, "z", 9),
		mk(1, 4, "a", 2),
		mk(1, 4, "b", 1),
		mk(1, 4, "b", 3),
		mk(0.5, 1, "a", 1),
	}
	got := []*candidate{want[4], want[5], want[2], want[0], want[3], want[1]}
	sortCandidates(got)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("wrong order at %d: %+v", i, got[i].ord.ID)
		}
	}

	// Decisions come out in priority order.
	te := newTEngine(t, nil)
	te.accounts.set(0, 1000, 0)
	small := tAuction(order.Long, 100, 110, 100, 10, 1)
	large := tAuction(order.Long, 200, 220, 100, 10, 1)
	te.book.publish(t, 100, 100, small, large)
	decisions, _ := te.evaluateLatest()
	if len(decisions) != 2 || decisions[0].Order != large.ID || decisions[1].Order != small.ID {
		t.Fatal("decisions not ordered by edge")
	}
}

func TestSelfFilter(t *testing.T) {
	cfg := &Config{
		Markets:        []*MarketConfig{tMarketConfig()},
		SubAccounts:    []uint16{0, 3},
		IgnoreAccounts: []string{"friend"},
	}
	te := newTEngine(t, cfg)
	te.accounts.set(0, 1000, 0)
	own, err := keygen.UserAccountAddress(keygen.DefaultProgramID, te.kp.PubKey(), 3)
	if err != nil {
		t.Fatal(err)
	}
	mine := tAuction(order.Long, 95, 105, 100, 10, 1)
	mine.ID.User, mine.Taker = own, own
	friend := tAuction(order.Long, 95, 105, 100, 10, 1)
	friend.ID.User, friend.Taker = "friend", "friend"
	other := tAuction(order.Long, 95, 105, 100, 10, 1)
	te.book.publish(t, 105, 100, mine, friend, other)
	decisions, _ := te.evaluateLatest()
	if len(decisions) != 1 || decisions[0].Order != other.ID {
		t.Fatalf("own orders not filtered: %d decisions", len(decisions))
	}
}

func TestSubmission(t *testing.T) {
	te := newTEngine(t, nil)
	te.accounts.set(0, 1000, 0)
	ord := tAuction(order.Long, 95, 105, 100, 10, 2)
	te.book.publish(t, 105, 100, ord)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	te.runPass(ctx, te.mkt())
	if te.disp.count() != 1 {
		t.Fatalf("expected 1 submission, got %d", te.disp.count())
	}
	s := te.disp.subs[0]
	if !ed25519.Verify(te.kp.PubKeyBytes(), s.ins.Message, s.ins.Signature) || s.ins.Signer != te.kp.PubKey() {
		t.Fatal("bad signature")
	}
	if s.fill == nil || s.fill.Taker != ord.ID || s.fill.Direction != order.Short || s.fill.Size != 2 ||
		!near(s.fill.Price, 101) || s.fill.ExpirySlot != 110 || s.fill.Market != tMarket {
		t.Fatalf("wrong fill %+v", s.fill)
	}
	if *s.budget != *dispatch.DefaultComputeBudget() {
		t.Fatalf("wrong budget %+v", s.budget)
	}
	qs, found := te.QuoteState(tMarket, 0)
	if !found || qs.InFlight != 1 || qs.LastSlot != 105 || !near(qs.Ask, 101) || qs.Bid != 0 {
		t.Fatalf("wrong quote state %+v", qs)
	}

	// No duplicate while in flight.
	te.runPass(ctx, te.mkt())
	if te.disp.count() != 1 {
		t.Fatal("duplicate submission while in flight")
	}

	// In-flight size counts against headroom. 10 - 2 leaves 8.
	next := tAuction(order.Long, 95, 105, 100, 10, 20)
	te.book.publish(t, 105, 100, ord, next)
	te.runPass(ctx, te.mkt())
	if te.disp.count() != 2 {
		t.Fatal("second order not countered")
	}
	if s2 := te.disp.subs[1]; s2.fill.Taker != next.ID || s2.fill.Size != 8 {
		t.Fatalf("wrong second fill %+v", s2.fill)
	}

	// A failure makes the order eligible again.
	te.resolve(t, s, dispatch.Failed)
	te.runPass(ctx, te.mkt())
	if te.disp.count() != 3 {
		t.Fatal("failed order not countered again")
	}
	retry := te.disp.subs[2]
	if retry.fill.Taker != ord.ID {
		t.Fatalf("wrong retry %+v", retry.fill)
	}

	// Landed orders are never countered again.
	te.resolve(t, retry, dispatch.Landed)
	te.runPass(ctx, te.mkt())
	if te.disp.count() != 3 {
		t.Fatal("landed order countered again")
	}

	// Time out the other, then let the auctions end.
	te.resolve(t, te.disp.subs[1], dispatch.TimedOut)
	te.book.publish(t, 111, 100, ord, next)
	te.runPass(ctx, te.mkt())
	if te.disp.count() != 3 {
		t.Fatal("ended auction countered")
	}
	if n := len(te.mkt().tracked); n != 0 {
		t.Fatalf("%d orders still tracked", n)
	}
	st := te.Stats()
	if st.Submitted != 3 || st.Failed != 1 || st.Landed != 1 || st.TimedOut != 1 || st.Expired != 1 {
		t.Fatalf("wrong stats %+v", st)
	}
	if qs, _ := te.QuoteState(tMarket, 0); qs.InFlight != 0 {
		t.Fatalf("%d still in flight", qs.InFlight)
	}
}

func TestStaleSnapshotDiscarded(t *testing.T) {
	te := newTEngine(t, nil)
	te.accounts.set(0, 1000, 0)
	ord := tAuction(order.Long, 95, 105, 100, 10, 1)
	te.book.publish(t, 105, 100, ord)
	// The book moves on while the pass is evaluating.
	te.accounts.hook = func() { te.book.publish(t, 106, 100, ord) }
	te.runPass(context.Background(), te.mkt())
	if te.disp.count() != 0 {
		t.Fatal("stale pass submitted")
	}
	if te.Stats().StaleDiscards != 1 {
		t.Fatal("stale discard not counted")
	}
	if _, found := te.QuoteState(tMarket, 0); found {
		t.Fatal("stale pass updated quote state")
	}

	te.runPass(context.Background(), te.mkt())
	if te.disp.count() != 1 {
		t.Fatal("fresh pass did not submit")
	}
}

func TestSnapshotLag(t *testing.T) {
	cfg := &Config{
		Markets:        []*MarketConfig{tMarketConfig()},
		SubAccounts:    []uint16{0},
		MaxSnapshotLag: 2,
	}
	te := newTEngine(t, cfg)
	te.accounts.set(0, 1000, 0)
	te.book.publish(t, 101, 100, tAuction(order.Long, 95, 105, 100, 10, 1))
	te.clockSlot.Store(104)
	te.runPass(context.Background(), te.mkt())
	if te.disp.count() != 0 || te.Stats().LaggedSkips != 1 {
		t.Fatal("lagging snapshot not skipped")
	}
	te.clockSlot.Store(103)
	te.runPass(context.Background(), te.mkt())
	if te.disp.count() != 1 {
		t.Fatal("snapshot within lag not evaluated")
	}
	// Priced at the clock's slot.
	if s := te.disp.subs[0]; !near(s.fill.Price, 98*1.01) {
		t.Fatalf("wrong price %f", s.fill.Price)
	}
}

func TestTriggerCoalesces(t *testing.T) {
	te := newTEngine(t, nil)
	te.accounts.set(0, 1000, 0)
	te.book.publish(t, 105, 100, tAuction(order.Long, 95, 105, 100, 10, 1))

	entered, release := make(chan struct{}), make(chan struct{})
	te.accounts.hook = func() {
		close(entered)
		<-release
	}
	ctx := context.Background()
	te.trigger(ctx, te.mkt())
	<-entered
	for i := 0; i < 5; i++ {
		te.trigger(ctx, te.mkt())
	}
	close(release)
	s := <-te.disp.submitted
	s.resC <- &dispatch.Result{Status: dispatch.Landed}
	te.wg.Wait()
	if n := te.Stats().Passes; n != 2 {
		t.Fatalf("expected 2 passes, got %d", n)
	}
	if te.disp.count() != 1 {
		t.Fatalf("expected 1 submission, got %d", te.disp.count())
	}
}

func TestRun(t *testing.T) {
	te := newTEngine(t, nil)
	te.accounts.set(0, 1000, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errC := make(chan error, 1)
	go func() { errC <- te.Run(ctx) }()

	te.book.publish(t, 105, 100, tAuction(order.Long, 95, 105, 100, 10, 1))
	var s *tSubmission
	select {
	case s = <-te.disp.submitted:
	case <-time.After(time.Second):
		t.Fatal("no submission")
	}
	te.clock.c <- 106
	s.resC <- &dispatch.Result{Status: dispatch.Landed, Slot: 106}
	deadline := time.After(time.Second)
	for te.Stats().Landed != 1 || te.clockSlot.Load() != 106 {
		select {
		case <-deadline:
			t.Fatal("result not applied")
		case <-time.After(time.Millisecond):
		}
	}

	close(te.clock.c)
	select {
	case err := <-errC:
		if !errors.Is(err, ErrClockLost) {
			t.Fatalf("expected ErrClockLost, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunExits(t *testing.T) {
	run := func(te *tEngine, ctx context.Context) error {
		errC := make(chan error, 1)
		go func() { errC <- te.Run(ctx) }()
		select {
		case err := <-errC:
			return err
		case <-time.After(time.Second):
			t.Fatal("Run did not return")
		}
		return nil
	}

	te := newTEngine(t, nil)
	te.book.Close()
	if err := run(te, context.Background()); !errors.Is(err, ErrSnapshotLost) {
		t.Fatalf("expected ErrSnapshotLost, got %v", err)
	}

	te = newTEngine(t, nil)
	te.clock.err = errors.New("dial failed")
	if err := run(te, context.Background()); !errors.Is(err, ErrClockLost) {
		t.Fatalf("expected ErrClockLost, got %v", err)
	}

	te = newTEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := run(te, ctx); err != nil {
		t.Fatalf("expected nil after cancel, got %v", err)
	}
}

func TestNewEngineErrors(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	kp := keygen.NewKeypair(priv)
	clock, book, accts, disp := &tClock{}, &tBook{orderbook.NewPublisher()}, &tAccounts{Map: account.NewMap()}, newTDispatcher()

	tests := []struct {
		name string
		cfg  func() *Config
	}{
		{"no markets", func() *Config { return &Config{SubAccounts: []uint16{0}} }},
		{"no subaccounts", func() *Config { return &Config{Markets: []*MarketConfig{tMarketConfig()}} }},
		{"duplicate subaccount", func() *Config {
			return &Config{Markets: []*MarketConfig{tMarketConfig()}, SubAccounts: []uint16{1, 1}}
		}},
		{"duplicate market", func() *Config {
			return &Config{Markets: []*MarketConfig{tMarketConfig(), tMarketConfig()}, SubAccounts: []uint16{0}}
		}},
		{"spread too wide", func() *Config {
			mc := tMarketConfig()
			mc.Spread = -1
			return &Config{Markets: []*MarketConfig{mc}, SubAccounts: []uint16{0}}
		}},
		{"positive spread", func() *Config {
			mc := tMarketConfig()
			mc.Spread = 0.01
			return &Config{Markets: []*MarketConfig{mc}, SubAccounts: []uint16{0}}
		}},
		{"zero leverage", func() *Config {
			mc := tMarketConfig()
			mc.TargetLeverage = 0
			return &Config{Markets: []*MarketConfig{mc}, SubAccounts: []uint16{0}}
		}},
		{"zero volatility threshold", func() *Config {
			mc := tMarketConfig()
			mc.VolatilityThreshold = 0
			return &Config{Markets: []*MarketConfig{mc}, SubAccounts: []uint16{0}}
		}},
		{"bad alpha", func() *Config {
			return &Config{Markets: []*MarketConfig{tMarketConfig()}, SubAccounts: []uint16{0}, VolatilityAlpha: 2}
		}},
		{"bad program id", func() *Config {
			return &Config{Markets: []*MarketConfig{tMarketConfig()}, SubAccounts: []uint16{0}, ProgramID: "0OIl"}
		}},
	}
	for _, tt := range tests {
		if _, err := NewEngine(tt.cfg(), clock, book, accts, disp, kp, tLogger); err == nil {
			t.Fatalf("%s: no error", tt.name)
		}
	}
	cfg := &Config{Markets: []*MarketConfig{tMarketConfig()}, SubAccounts: []uint16{0}}
	if _, err := NewEngine(cfg, clock, book, accts, nil, kp, tLogger); err == nil {
		t.Fatal("no error for missing dispatcher")
	}
	if _, err := NewEngine(cfg, clock, book, accts, disp, kp, nil); err != nil {
		t.Fatalf("NewEngine error: %v", err)
	}
	if cfg.VolatilityAlpha != DefaultVolatilityAlpha || cfg.ComputeBudget == nil {
		t.Fatal("defaults not applied")
	}

	// Zero and negative spreads are accepted.
	for _, spread := range []float64{0, -0.005, -0.01, -0.05} {
		mc := tMarketConfig()
		mc.Spread = spread
		cfg := &Config{Markets: []*MarketConfig{mc}, SubAccounts: []uint16{0}}
		if _, err := NewEngine(cfg, clock, book, accts, disp, kp, tLogger); err != nil {
			t.Fatalf("spread %f rejected: %v", spread, err)
		}
	}
}
