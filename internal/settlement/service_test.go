package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/settleops/internal/audit"
	"github.com/punchamoorthee/settleops/internal/dlock"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/idempotency"
	"github.com/punchamoorthee/settleops/internal/notify"
	"github.com/punchamoorthee/settleops/internal/rail"
	"github.com/punchamoorthee/settleops/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ---- fakes ----

type fakeIdem struct {
	mu        sync.Mutex
	cached    map[string]*idempotency.Result
	claimed   map[string]bool
	hashes    map[string]string
	completed map[string]*idempotency.Result
	pending   map[string]*idempotency.Result
	aborted   []string
}

func newFakeIdem() *fakeIdem {
	return &fakeIdem{
		cached:    make(map[string]*idempotency.Result),
		claimed:   make(map[string]bool),
		hashes:    make(map[string]string),
		completed: make(map[string]*idempotency.Result),
		pending:   make(map[string]*idempotency.Result),
	}
}

func (f *fakeIdem) Begin(_ context.Context, requester, key, requestHash string) (*idempotency.Begun, error) {
	if err := idempotency.ValidateKey(key); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := requester + ":" + key
	if stored, ok := f.hashes[k]; ok && stored != "" && requestHash != "" && stored != requestHash {
		return nil, idempotency.ErrPayloadMismatch
	}
	if r, ok := f.cached[k]; ok {
		return &idempotency.Begun{Cached: r}, nil
	}
	if f.claimed[k] {
		return nil, idempotency.ErrInProgress
	}
	f.claimed[k] = true
	f.hashes[k] = requestHash
	return &idempotency.Begun{IsNew: true}, nil
}

func (f *fakeIdem) Complete(_ context.Context, requester, key string, status int, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &idempotency.Result{HTTPStatus: status, Body: body}
	f.completed[requester+":"+key] = r
	f.cached[requester+":"+key] = r
	return nil
}

func (f *fakeIdem) MarkPending(_ context.Context, requester, key string, status int, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[requester+":"+key] = &idempotency.Result{HTTPStatus: status, Body: body}
	return nil
}

func (f *fakeIdem) Abort(_ context.Context, requester, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claimed, requester+":"+key)
	delete(f.hashes, requester+":"+key)
	f.aborted = append(f.aborted, requester+":"+key)
	return nil
}

type fakeLease struct {
	mu        sync.Mutex
	extends   int
	releases  int
	extendErr error
}

func (l *fakeLease) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	return nil
}

func (l *fakeLease) Extend(context.Context, time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extends++
	return l.extendErr
}

func (l *fakeLease) extended() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.extends
}

type fakeLocker struct {
	lease *fakeLease
}

func (f *fakeLocker) Acquire(context.Context, string, time.Duration, time.Duration) (Lease, error) {
	return f.lease, nil
}

type fakeAdapter struct {
	submit func(op *domain.Operation) (*rail.Receipt, error)
	status func(op *domain.Operation) (*rail.Receipt, error)
}

func (f *fakeAdapter) Submit(_ context.Context, op *domain.Operation) (*rail.Receipt, error) {
	return f.submit(op)
}

func (f *fakeAdapter) Status(_ context.Context, op *domain.Operation) (*rail.Receipt, error) {
	return f.status(op)
}

type fakeOracle struct{ prices map[string]string }

func (f *fakeOracle) Price(_ context.Context, asset string) (decimal.Decimal, error) {
	p, ok := f.prices[asset]
	if !ok {
		return decimal.Zero, errors.New("no price")
	}
	return decimal.RequireFromString(p), nil
}

func (f *fakeOracle) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	fp, err := f.Price(ctx, from)
	if err != nil {
		return decimal.Zero, err
	}
	tp, err := f.Price(ctx, to)
	if err != nil {
		return decimal.Zero, err
	}
	return fp.DivRound(tp, 18), nil
}

type allowAll struct{}

func (allowAll) Verify(context.Context, int64, string, string) error          { return nil }
func (allowAll) Check(context.Context, int64, string, decimal.Decimal) error { return nil }

type denyAuth struct{}

func (denyAuth) Verify(context.Context, int64, string, string) error {
	return domain.Reject(domain.ReasonAuthDenied, "bad pin")
}

type denyLimit struct{}

func (denyLimit) Check(context.Context, int64, string, decimal.Decimal) error {
	return domain.Reject(domain.ReasonLimitExceeded, "daily cap reached")
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (f *fakeAuditor) Record(e *audit.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeAuditor) byType(t string) []*audit.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*audit.Event
	for _, e := range f.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) Publish(_ *domain.Operation, eventType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

// ---- harness ----

type harness struct {
	svc      *Service
	store    *store.Memory
	idem     *fakeIdem
	locker   *fakeLocker
	adapter  *fakeAdapter
	auditor  *fakeAuditor
	notifier *fakeNotifier
}

func newHarness(t *testing.T, feeBps int64, auth AuthVerifier, limits LimitChecker) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemory(),
		idem:     newFakeIdem(),
		locker:   &fakeLocker{lease: &fakeLease{}},
		adapter:  &fakeAdapter{},
		auditor:  &fakeAuditor{},
		notifier: &fakeNotifier{},
	}
	h.svc = NewService(
		h.store, h.idem, h.locker, h.adapter,
		&fakeOracle{prices: map[string]string{"USDT": "1", "BTC": "50000"}},
		auth, limits, h.auditor, h.notifier, zap.NewNop(),
		Config{
			SupportedAssets: []string{"USDT", "BTC"},
			FeeBps:          feeBps,
			LockTTL:         time.Second,
			LockWait:        100 * time.Millisecond,
			ReconcileAfter:  time.Millisecond,
			ReconcileBatch:  10,
		},
	)
	return h
}

const testKey = "client-key-0000000001"

func withdrawReq(amount int64) WithdrawRequest {
	return WithdrawRequest{
		UserID:         7,
		Asset:          "USDT",
		Amount:         amount,
		Destination:    "+254700000001",
		SecondFactor:   "123456",
		TransactionPIN: "9999",
		IdempotencyKey: testKey,
	}
}

func (h *harness) balance(t *testing.T) *domain.Balance {
	t.Helper()
	b, err := h.store.Balance(context.Background(), 7, "USDT")
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// ---- tests ----

func TestWithdrawSettles(t *testing.T) {
	h := newHarness(t, 0, allowAll{}, allowAll{})
	h.store.Credit(context.Background(), 7, "USDT", 100)
	h.adapter.submit = func(op *domain.Operation) (*rail.Receipt, error) {
		return &rail.Receipt{ProviderRef: "prov-1", Outcome: rail.OutcomeSettled}, nil
	}

	out, err := h.svc.Withdraw(context.Background(), withdrawReq(60))
	if err != nil {
		t.Fatal(err)
	}
	if out.Op.State != domain.StateSettled || out.Op.ExternalRef != "prov-1" {
		t.Fatalf("op = %+v", out.Op)
	}
	b := h.balance(t)
	if b.Available != 40 || b.Pending != 0 {
		t.Fatalf("balance = %d/%d, want 40/0", b.Available, b.Pending)
	}
	if len(h.idem.completed) != 1 {
		t.Fatalf("idempotency completions = %d, want 1", len(h.idem.completed))
	}
	if len(h.notifier.events) != 1 || h.notifier.events[0] != notify.EventSettled {
		t.Fatalf("notifications = %v", h.notifier.events)
	}
}

func TestWithdrawDeclineCompensates(t *testing.T) {
	// Scenario: available=100, reserve(60), provider declines.
	h := newHarness(t, 0, allowAll{}, allowAll{})
	h.store.Credit(context.Background(), 7, "USDT", 100)
	h.adapter.submit = func(op *domain.Operation) (*rail.Receipt, error) {
		return nil, &rail.DeclinedError{Code: "DEST_CLOSED", Message: "destination closed"}
	}

	out, err := h.svc.Withdraw(context.Background(), withdrawReq(60))
	if err != nil {
		t.Fatal(err)
	}
	if out.Op.State != domain.StateCompensated || out.Op.FailureReason != "DEST_CLOSED" {
		t.Fatalf("op = %+v", out.Op)
	}
	b := h.balance(t)
	if b.Available != 100 || b.Pending != 0 {
		t.Fatalf("balance = %d/%d, want 100/0", b.Available, b.Pending)
	}
	if len(h.notifier.events) != 1 || h.notifier.events[0] != notify.EventCompensated {
		t.Fatalf("notifications = %v", h.notifier.events)
	}
}

func TestWithdrawUnknownOutcomeHolds(t *testing.T) {
	h := newHarness(t, 0, allowAll{}, allowAll{})
	h.store.Credit(context.Background(), 7, "USDT", 100)
	h.adapter.submit = func(op *domain.Operation) (*rail.Receipt, error) {
		return nil, rail.ErrUnknownOutcome
	}

	out, err := h.svc.Withdraw(context.Background(), withdrawReq(60))
	if err != nil {
		t.Fatal(err)
	}
	if out.Op.State != domain.StateSubmitted {
		t.Fatalf("state = %s, want SUBMITTED", out.Op.State)
	}
	if out.HTTPStatus != 202 {
		t.Fatalf("status = %d, want 202", out.HTTPStatus)
	}
	// Funds stay held: compensating now could double-spend.
	b := h.balance(t)
	if b.Available != 40 || b.Pending != 60 {
		t.Fatalf("balance = %d/%d, want 40/60", b.Available, b.Pending)
	}
	if len(h.idem.pending) != 1 {
		t.Fatal("expected a pending idempotency mark")
	}
	if len(h.idem.completed) != 0 {
		t.Fatal("unknown outcome must not complete the idempotency record")
	}
}

func TestWithdrawRejectionsTouchNoFunds(t *testing.T) {
	cases := []struct {
		name   string
		mut    func(*WithdrawRequest)
		auth   AuthVerifier
		limits LimitChecker
		code   string
	}{
		{"negative amount", func(r *WithdrawRequest) { r.Amount = -5 }, allowAll{}, allowAll{}, domain.ReasonInvalidAmount},
		{"unsupported asset", func(r *WithdrawRequest) { r.Asset = "DOGE" }, allowAll{}, allowAll{}, domain.ReasonUnsupportedAsset},
		{"missing destination", func(r *WithdrawRequest) { r.Destination = "" }, allowAll{}, allowAll{}, domain.ReasonMissingDestination},
		{"auth denied", func(r *WithdrawRequest) {}, denyAuth{}, allowAll{}, domain.ReasonAuthDenied},
		{"limit exceeded", func(r *WithdrawRequest) {}, allowAll{}, denyLimit{}, domain.ReasonLimitExceeded},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t, 0, c.auth, c.limits)
			h.store.Credit(context.Background(), 7, "USDT", 100)
			req := withdrawReq(60)
			c.mut(&req)

			_, err := h.svc.Withdraw(context.Background(), req)
			rej, ok := domain.AsRejection(err)
			if !ok {
				t.Fatalf("want RejectionError, got %v", err)
			}
			if rej.Code != c.code {
				t.Fatalf("code = %s, want %s", rej.Code, c.code)
			}
			b := h.balance(t)
			if b.Available != 100 || b.Pending != 0 {
				t.Fatalf("rejection moved funds: %d/%d", b.Available, b.Pending)
			}
			// Rejections are not cached; the claim must be dropped.
			if len(h.idem.aborted) != 1 {
				t.Fatalf("aborts = %d, want 1", len(h.idem.aborted))
			}
		})
	}
}

func TestWithdrawInsufficientFundsRejects(t *testing.T) {
	h := newHarness(t, 0, allowAll{}, allowAll{})
	h.store.Credit(context.Background(), 7, "USDT", 10)

	_, err := h.svc.Withdraw(context.Background(), withdrawReq(60))
	rej, ok := domain.AsRejection(err)
	if !ok || rej.Code != domain.ReasonInsufficientFunds {
		t.Fatalf("want INSUFFICIENT_FUNDS rejection, got %v", err)
	}
	b := h.balance(t)
	if b.Available != 10 || b.Pending != 0 {
		t.Fatalf("balance = %d/%d, want 10/0", b.Available, b.Pending)
	}
}

func TestWithdrawFeeIsReservedWithAmount(t *testing.T) {
	h := newHarness(t, 100, allowAll{}, allowAll{}) // 1%
	h.store.Credit(context.Background(), 7, "USDT", 2000)
	h.adapter.submit = func(op *domain.Operation) (*rail.Receipt, error) {
		return &rail.Receipt{ProviderRef: "prov-1", Outcome: rail.OutcomeSettled}, nil
	}

	out, err := h.svc.Withdraw(context.Background(), withdrawReq(1000))
	if err != nil {
		t.Fatal(err)
	}
	if out.Op.FeeAmount != 10 {
		t.Fatalf("fee = %d, want 10", out.Op.FeeAmount)
	}
	b := h.balance(t)
	if b.Available != 990 || b.Pending != 0 {
		t.Fatalf("balance = %d/%d, want 990/0", b.Available, b.Pending)
	}
}

func TestIdempotentReplayProducesOneMutation(t *testing.T) {
	// Scenario: two requests with the same key; the second replays the
	// first result with no second deduction.
	h := newHarness(t, 0, allowAll{}, allowAll{})
	h.store.Credit(context.Background(), 7, "USDT", 50)
	h.adapter.submit = func(op *domain.Operation) (*rail.Receipt, error) {
		return &rail.Receipt{ProviderRef: "prov-1", Outcome: rail.OutcomeSettled}, nil
	}

	first, err := h.svc.Withdraw(context.Background(), withdrawReq(50))
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.svc.Withdraw(context.Background(), withdrawReq(50))
	if err != nil {
		t.Fatal(err)
	}
	if second.Replay == nil {
		t.Fatal("second call should replay the stored result")
	}
	if second.Replay.HTTPStatus != first.HTTPStatus {
		t.Fatalf("replay status = %d, want %d", second.Replay.HTTPStatus, first.HTTPStatus)
	}
	b := h.balance(t)
	if b.Available != 0 || b.Pending != 0 {
		t.Fatalf("balance = %d/%d, want 0/0", b.Available, b.Pending)
	}
}

func TestMalformedKeyRejectedBeforeSideEffects(t *testing.T) {
	h := newHarness(t, 0, allowAll{}, allowAll{})
	h.store.Credit(context.Background(), 7, "USDT", 100)

	req := withdrawReq(60)
	req.IdempotencyKey = "bad key!"
	_, err := h.svc.Withdraw(context.Background(), req)
	if !errors.Is(err, idempotency.ErrMalformedKey) {
		t.Fatalf("want ErrMalformedKey, got %v", err)
	}
	b := h.balance(t)
	if b.Available != 100 {
		t.Fatal("malformed key must not touch the ledger")
	}
}

func TestDuplicateFailureCallbackDoesNotDoubleRefund(t *testing.T) {
	h := newHarness(t, 0, allowAll{}, allowAll{})
	h.store.Credit(context.Background(), 7, "USDT", 100)
	h.adapter.submit = func(op *domain.Operation) (*rail.Receipt, error) {
		return nil, rail.ErrUnknownOutcome
	}

	out, err := h.svc.Withdraw(context.Background(), withdrawReq(60))
	if err != nil {
		t.Fatal(err)
	}
	id := out.Op.ID

	ev := ProviderEvent{OperationID: id, Outcome: rail.OutcomeDeclined, Reason: "DEST_CLOSED"}
	if _, err := h.svc.HandleProviderEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	// Duplicate decline for the same operation.
	op, err := h.svc.HandleProviderEvent(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if op.State != domain.StateCompensated {
		t.Fatalf("state = %s, want COMPENSATED", op.State)
	}
	b := h.balance(t)
	if b.Available != 100 || b.Pending != 0 {
		t.Fatalf("double refund: balance = %d/%d", b.Available, b.Pending)
	}
	if len(h.auditor.byType(audit.EventDuplicateEvent)) == 0 {
		t.Fatal("duplicate callback should be audited as duplicate-event")
	}
}

func TestLateCallbackOnSettledOperationIsNoOp(t *testing.T) {
	h := newHarness(t, 0, allowAll{}, allowAll{})
	h.store.Credit(context.Background(), 7, "USDT", 100)
	h.adapter.submit = func(op *domain.Operation) (*rail.Receipt, error) {
		return &rail.Receipt{ProviderRef: "prov-1", Outcome: rail.OutcomeSettled}, nil
	}

	out, err := h.svc.Withdraw(context.Background(), withdrawReq(60))
	if err != nil {
		t.Fatal(err)
	}

	op, err := h.svc.HandleProviderEvent(context.Background(), ProviderEvent{
		OperationID: out.Op.ID, Outcome: rail.OutcomeDeclined, Reason: "LATE",
	})
	if err != nil {
		t.Fatal(err)
	}
	if op.State != domain.StateSettled {
		t.Fatalf("late decline flipped a settled operation: %s", op.State)
	}
	b := h.balance(t)
	if b.Available != 40 || b.Pending != 0 {
		t.Fatalf("balance = %d/%d, want 40/0", b.Available, b.Pending)
	}
}

func TestReconcileResolvesStuckOperation(t *testing.T) {
	// Scenario: submit times out, operation stays SUBMITTED; a later
	// reconciliation pass resolves it exactly once.
	h := newHarness(t, 0, allowAll{}, allowAll{})
	h.store.Credit(context.Background(), 7, "USDT", 100)
	h.adapter.submit = func(op *domain.Operation) (*rail.Receipt, error) {
		return nil, rail.ErrUnknownOutcome
	}

	out, err := h.svc.Withdraw(context.Background(), withdrawReq(60))
	if err != nil {
		t.Fatal(err)
	}
	if out.Op.State != domain.StateSubmitted {
		t.Fatalf("state = %s, want SUBMITTED", out.Op.State)
	}

	h.adapter.status = func(op *domain.Operation) (*rail.Receipt, error) {
		return &rail.Receipt{ProviderRef: "prov-9", Outcome: rail.OutcomeSettled}, nil
	}
	time.Sleep(5 * time.Millisecond)

	n, err := h.svc.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("resolved = %d, want 1", n)
	}
	op, _ := h.svc.Get(context.Background(), out.Op.ID)
	if op.State != domain.StateSettled || op.ExternalRef != "prov-9" {
		t.Fatalf("op = %+v", op)
	}
	b := h.balance(t)
	if b.Available != 40 || b.Pending != 0 {
		t.Fatalf("balance = %d/%d, want 40/0", b.Available, b.Pending)
	}

	// A second pass finds nothing; the resolution never reverts.
	n, err = h.svc.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("second pass resolved %d, want 0", n)
	}
}

func TestReconcileCompensatesDeclinedOperation(t *testing.T) {
	h := newHarness(t, 0, allowAll{}, allowAll{})
	h.store.Credit(context.Background(), 7, "USDT", 100)
	h.adapter.submit = func(op *domain.Operation) (*rail.Receipt, error) {
		return nil, rail.ErrUnknownOutcome
	}

	out, err := h.svc.Withdraw(context.Background(), withdrawReq(60))
	if err != nil {
		t.Fatal(err)
	}

	h.adapter.status = func(op *domain.Operation) (*rail.Receipt, error) {
		return nil, &rail.DeclinedError{Code: "NOT_FOUND", Message: "payout unknown to provider"}
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := h.svc.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	op, _ := h.svc.Get(context.Background(), out.Op.ID)
	if op.State != domain.StateCompensated {
		t.Fatalf("state = %s, want COMPENSATED", op.State)
	}
	b := h.balance(t)
	if b.Available != 100 || b.Pending != 0 {
		t.Fatalf("balance = %d/%d, want 100/0", b.Available, b.Pending)
	}
}

func TestSwapExecutesBothLegsAtomically(t *testing.T) {
	h := newHarness(t, 0, allowAll{}, allowAll{})
	h.store.Credit(context.Background(), 7, "USDT", 100000)

	out, err := h.svc.Swap(context.Background(), SwapRequest{
		UserID: 7, FromAsset: "USDT", ToAsset: "BTC", Amount: 100000, IdempotencyKey: testKey,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Op.State != domain.StateSettled || out.Op.CounterAmount != 2 {
		t.Fatalf("op = %+v", out.Op)
	}
	from := h.balance(t)
	to, _ := h.store.Balance(context.Background(), 7, "BTC")
	if from.Available != 0 || to.Available != 2 {
		t.Fatalf("legs = %d/%d, want 0/2", from.Available, to.Available)
	}
}

func TestKeyReuseWithDifferentPayloadRejected(t *testing.T) {
	// Replay is valid only for an identical request. The same key with a
	// different amount must be refused, not answered with the old result.
	h := newHarness(t, 0, allowAll{}, allowAll{})
	h.store.Credit(context.Background(), 7, "USDT", 1000)
	h.adapter.submit = func(op *domain.Operation) (*rail.Receipt, error) {
		return &rail.Receipt{ProviderRef: "prov-1", Outcome: rail.OutcomeSettled}, nil
	}

	if _, err := h.svc.Withdraw(context.Background(), withdrawReq(50)); err != nil {
		t.Fatal(err)
	}

	req := withdrawReq(500)
	out, err := h.svc.Withdraw(context.Background(), req)
	if !errors.Is(err, idempotency.ErrPayloadMismatch) {
		t.Fatalf("want ErrPayloadMismatch, got %v (out=%+v)", err, out)
	}
	b := h.balance(t)
	if b.Available != 950 || b.Pending != 0 {
		t.Fatalf("mismatched reuse touched funds: %d/%d", b.Available, b.Pending)
	}
}

func TestReconcileAbandonsStaleReservation(t *testing.T) {
	// A reservation whose submission never started (crash between reserve
	// and submit) must not hold funds forever; the reconciler releases it
	// and drops the dead idempotency claim.
	h := newHarness(t, 0, allowAll{}, allowAll{})
	h.store.Credit(context.Background(), 7, "USDT", 100)

	op := domain.NewOperation(domain.TypeWithdrawal, 7, "USDT", 60)
	op.IdempotencyKey = testKey
	if err := h.store.CreateReserved(context.Background(), op); err != nil {
		t.Fatal(err)
	}
	h.idem.claimed["7:"+testKey] = true

	b := h.balance(t)
	if b.Available != 40 || b.Pending != 60 {
		t.Fatalf("setup balance = %d/%d", b.Available, b.Pending)
	}

	time.Sleep(5 * time.Millisecond)
	n, err := h.svc.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("resolved = %d, want 1", n)
	}

	got, _ := h.svc.Get(context.Background(), op.ID)
	if got.State != domain.StateCompensated || got.FailureReason != "NEVER_SUBMITTED" {
		t.Fatalf("op = %+v", got)
	}
	b = h.balance(t)
	if b.Available != 100 || b.Pending != 0 {
		t.Fatalf("balance = %d/%d, want 100/0", b.Available, b.Pending)
	}
	if len(h.idem.aborted) != 1 {
		t.Fatalf("aborts = %d, want 1", len(h.idem.aborted))
	}

	// A fresh attempt with the same key may now execute.
	h.adapter.submit = func(op *domain.Operation) (*rail.Receipt, error) {
		return &rail.Receipt{ProviderRef: "prov-2", Outcome: rail.OutcomeSettled}, nil
	}
	out, err := h.svc.Withdraw(context.Background(), withdrawReq(60))
	if err != nil {
		t.Fatal(err)
	}
	if out.Op.State != domain.StateSettled {
		t.Fatalf("retry state = %s", out.Op.State)
	}
}

func TestReconcileRenewsLeaseBeforeResolving(t *testing.T) {
	h := newHarness(t, 0, allowAll{}, allowAll{})
	h.store.Credit(context.Background(), 7, "USDT", 100)
	h.adapter.submit = func(op *domain.Operation) (*rail.Receipt, error) {
		return nil, rail.ErrUnknownOutcome
	}

	if _, err := h.svc.Withdraw(context.Background(), withdrawReq(60)); err != nil {
		t.Fatal(err)
	}

	h.adapter.status = func(op *domain.Operation) (*rail.Receipt, error) {
		return &rail.Receipt{ProviderRef: "prov-9", Outcome: rail.OutcomeSettled}, nil
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := h.svc.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	// The status round trip may outlast most of the lease TTL, so the
	// lease is renewed before the state transitions run.
	if h.locker.lease.extended() == 0 {
		t.Fatal("expected a lease renewal before resolution")
	}
}

func TestReconcileSkipsResolutionWhenLeaseLost(t *testing.T) {
	h := newHarness(t, 0, allowAll{}, allowAll{})
	h.store.Credit(context.Background(), 7, "USDT", 100)
	h.adapter.submit = func(op *domain.Operation) (*rail.Receipt, error) {
		return nil, rail.ErrUnknownOutcome
	}

	out, err := h.svc.Withdraw(context.Background(), withdrawReq(60))
	if err != nil {
		t.Fatal(err)
	}

	h.locker.lease.extendErr = dlock.ErrNotOwned
	h.adapter.status = func(op *domain.Operation) (*rail.Receipt, error) {
		return &rail.Receipt{ProviderRef: "prov-9", Outcome: rail.OutcomeSettled}, nil
	}
	time.Sleep(5 * time.Millisecond)

	n, err := h.svc.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("resolved = %d, want 0 after losing the lease", n)
	}
	op, _ := h.svc.Get(context.Background(), out.Op.ID)
	if op.State != domain.StateSubmitted {
		t.Fatalf("lost lease must leave the operation untouched, state = %s", op.State)
	}
}

func TestSwapRejectsSameAsset(t *testing.T) {
	h := newHarness(t, 0, allowAll{}, allowAll{})
	h.store.Credit(context.Background(), 7, "USDT", 100)

	_, err := h.svc.Swap(context.Background(), SwapRequest{
		UserID: 7, FromAsset: "USDT", ToAsset: "USDT", Amount: 10, IdempotencyKey: testKey,
	})
	if rej, ok := domain.AsRejection(err); !ok || rej.Code != domain.ReasonUnsupportedAsset {
		t.Fatalf("want unsupported-asset rejection, got %v", err)
	}
}
