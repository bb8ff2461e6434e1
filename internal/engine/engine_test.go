package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"ctos/internal/audit"
	"ctos/internal/config"
	"ctos/internal/driver"
	"ctos/internal/market"
	"ctos/internal/risk"
)

type fakeApprover struct {
	verdict   risk.Verdict
	err       error
	proposals []risk.Proposal
}

func (f *fakeApprover) Approve(ctx context.Context, p risk.Proposal) (risk.Verdict, error) {
	f.proposals = append(f.proposals, p)
	if f.err != nil {
		return risk.Verdict{}, f.err
	}
	return f.verdict, nil
}

func approveAll() *fakeApprover {
	return &fakeApprover{verdict: risk.Verdict{Approved: true, ApprovedNotional: -1}}
}

func testEngine(t *testing.T, fake *fakeDriver, approver risk.Approver, sink audit.Sink) *Engine {
	t.Helper()

	registry := driver.NewRegistry(func(venue, account string) (driver.Driver, error) {
		return fake, nil
	}, nil)
	t.Cleanup(func() { _ = registry.Close() })

	cache, err := market.NewCache(filepath.Join(t.TempDir(), "specs.json"), time.Hour, nil)
	if err != nil {
		t.Fatalf("NewCache returned error: %v", err)
	}

	cfg := config.EngineConfig{
		Slicer: defaultSlicer(),
		Chase: config.ChaseConfig{
			PollInterval: 10 * time.Millisecond,
			MaxCycles:    5,
			BaseOffset:   0.0001,
			BatchBudget:  time.Second,
		},
		CallTimeout: time.Second,
	}

	eng := New(cfg, registry, cache, approver, sink, nil)
	t.Cleanup(eng.Close)
	return eng
}

var testRef = AccountRef{Venue: "fake", Account: "main"}

func TestPlaceNotionalHardOrder(t *testing.T) {
	fake := newFakeDriver(2000)
	sink := &recordingSink{}
	approver := &fakeApprover{verdict: risk.Verdict{Approved: true, ApprovedNotional: 500}}

	result, err := testEngine(t, fake, approver, sink).PlaceNotional(
		context.Background(), testRef, "ETHUSDT", driver.SideBuy, 500, 0.9, PlaceOptions{})
	if err != nil {
		t.Fatalf("PlaceNotional returned error: %v", err)
	}
	if len(result.Tickets) != 1 || result.BatchID != "" {
		t.Fatalf("unexpected result: %+v", result)
	}

	if len(fake.placeReqs) != 1 {
		t.Fatalf("expected one placement, got %d", len(fake.placeReqs))
	}
	req := fake.placeReqs[0]
	if req.Type != driver.OrderTypeMarket || req.Size != 0.25 {
		t.Fatalf("unexpected placement: %+v", req)
	}
	if req.ClientRef == "" {
		t.Fatalf("placement must carry a client ref")
	}
	if placed := sink.byKind(audit.KindOrderPlaced); len(placed) != 1 {
		t.Fatalf("expected one placement audit event, got %d", len(placed))
	}
}

func TestPlaceNotionalHonorsAdjustedNotional(t *testing.T) {
	fake := newFakeDriver(2000)
	// Risk gate halves the request: only the adjusted notional may execute.
	approver := &fakeApprover{verdict: risk.Verdict{Approved: true, ApprovedNotional: 750}}

	result, err := testEngine(t, fake, approver, &recordingSink{}).PlaceNotional(
		context.Background(), testRef, "ETHUSDT", driver.SideBuy, 1500, 0.5, PlaceOptions{})
	if err != nil {
		t.Fatalf("PlaceNotional returned error: %v", err)
	}
	if result.ApprovedNotional != 750 {
		t.Fatalf("expected approved notional 750, got %v", result.ApprovedNotional)
	}
	if fake.placeReqs[0].Size != 0.375 {
		t.Fatalf("expected size 0.375 from adjusted notional, got %v", fake.placeReqs[0].Size)
	}
}

func TestPlaceNotionalRiskDenied(t *testing.T) {
	fake := newFakeDriver(2000)
	sink := &recordingSink{}
	approver := &fakeApprover{verdict: risk.Verdict{Approved: false, Notes: []string{"too big"}}}

	_, err := testEngine(t, fake, approver, sink).PlaceNotional(
		context.Background(), testRef, "ETHUSDT", driver.SideBuy, 1e9, 0.9, PlaceOptions{})
	if !errors.Is(err, ErrRiskDenied) {
		t.Fatalf("expected ErrRiskDenied, got %v", err)
	}
	if len(fake.placeReqs) != 0 {
		t.Fatalf("denied proposal must not reach the venue")
	}
	if denied := sink.byKind(audit.KindRiskDenied); len(denied) != 1 {
		t.Fatalf("expected denial audit event, got %d", len(denied))
	}
}

func TestPlaceNotionalTooSmallAudited(t *testing.T) {
	fake := newFakeDriver(2000)
	sink := &recordingSink{}
	approver := &fakeApprover{verdict: risk.Verdict{Approved: true, ApprovedNotional: 0.1}}

	_, err := testEngine(t, fake, approver, sink).PlaceNotional(
		context.Background(), testRef, "ETHUSDT", driver.SideBuy, 0.1, 0.9, PlaceOptions{})
	if !errors.Is(err, driver.ErrNotionalTooSmall) {
		t.Fatalf("expected ErrNotionalTooSmall, got %v", err)
	}
	// Failed attempts are audited too.
	if placed := sink.byKind(audit.KindOrderPlaced); len(placed) != 1 {
		t.Fatalf("expected failure audit event, got %d", len(placed))
	}
}

func TestPlaceNotionalSoftRegistersBatch(t *testing.T) {
	fake := newFakeDriver(2000)
	sink := &recordingSink{}
	approver := &fakeApprover{verdict: risk.Verdict{Approved: true, ApprovedNotional: 500}}

	eng := testEngine(t, fake, approver, sink)
	result, err := eng.PlaceNotional(
		context.Background(), testRef, "ETHUSDT", driver.SideBuy, 500, 0.9, PlaceOptions{Soft: true})
	if err != nil {
		t.Fatalf("PlaceNotional returned error: %v", err)
	}
	if result.BatchID == "" {
		t.Fatalf("soft placement must register a chase batch")
	}

	req := fake.placeReqs[0]
	if req.Type != driver.OrderTypeLimit {
		t.Fatalf("soft placement must be a limit order, got %s", req.Type)
	}
	if req.Price != 1999.8 {
		t.Fatalf("expected soft buy price 1999.8, got %v", req.Price)
	}

	abandoned, err := eng.ReleaseBatch(result.BatchID)
	if err != nil {
		t.Fatalf("ReleaseBatch returned error: %v", err)
	}
	if len(abandoned) != 0 {
		t.Fatalf("expected clean release, got abandoned %+v", abandoned)
	}
	if fake.openCount() != 0 {
		t.Fatalf("release must cancel the soft order")
	}
}

func TestPlaceNotionalExplicitLimitPrice(t *testing.T) {
	fake := newFakeDriver(2000)
	sink := &recordingSink{}
	approver := &fakeApprover{verdict: risk.Verdict{Approved: true, ApprovedNotional: 500}}

	eng := testEngine(t, fake, approver, sink)
	result, err := eng.PlaceNotional(
		context.Background(), testRef, "ETHUSDT", driver.SideBuy, 500, 0.9,
		PlaceOptions{LimitPrice: 1995.553})
	if err != nil {
		t.Fatalf("PlaceNotional returned error: %v", err)
	}

	req := fake.placeReqs[0]
	if req.Type != driver.OrderTypeLimit {
		t.Fatalf("explicit price must force a limit order, got %s", req.Type)
	}
	// The pinned price is rounded to the tick, not offset from the quote.
	if req.Price != 1995.55 {
		t.Fatalf("expected pinned price 1995.55, got %v", req.Price)
	}
	// Sizing uses the pinned price: 500 / 1995.55 floors to 0.25.
	if req.Size != 0.25 {
		t.Fatalf("expected size 0.25, got %v", req.Size)
	}
	if result.BatchID == "" {
		t.Fatalf("pinned-price order must still be chased")
	}
	if _, err := eng.ReleaseBatch(result.BatchID); err != nil {
		t.Fatalf("ReleaseBatch returned error: %v", err)
	}
}

func TestPlaceNotionalVenueRejectionRefreshesSpec(t *testing.T) {
	fake := newFakeDriver(2000)
	fake.placeErrs = []error{&driver.VenueError{Venue: "fake", Code: "-1111", Message: "precision"}}

	approver := &fakeApprover{verdict: risk.Verdict{Approved: true, ApprovedNotional: 500}}
	result, err := testEngine(t, fake, approver, &recordingSink{}).PlaceNotional(
		context.Background(), testRef, "ETHUSDT", driver.SideBuy, 500, 0.9, PlaceOptions{})
	if err != nil {
		t.Fatalf("expected retry after precision rejection, got %v", err)
	}
	if len(result.Tickets) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(fake.placeReqs) != 2 {
		t.Fatalf("expected exactly one retry, got %d attempts", len(fake.placeReqs))
	}
	// Rejection must invalidate the cached spec and refetch it.
	if fake.specCalls < 2 {
		t.Fatalf("expected spec refetch after rejection, got %d fetches", fake.specCalls)
	}
}

func TestAmendPassThroughKeepsFields(t *testing.T) {
	fake := newFakeDriver(2000)
	fake.seedOpenOrder("5", driver.SideSell, 0.02, 2100)

	eng := testEngine(t, fake, approveAll(), &recordingSink{})
	ticket, err := eng.Amend(context.Background(), testRef, "5", "ETHUSDT", driver.AmendRequest{})
	if err != nil {
		t.Fatalf("Amend returned error: %v", err)
	}
	// No fields overridden: side/size/price survive, only the venue id changes.
	if ticket.Side != driver.SideSell || ticket.RequestedSize != 0.02 || ticket.RequestedPrice != 2100 {
		t.Fatalf("amend must inherit unchanged fields, got %+v", ticket)
	}
}

func TestClosePositions(t *testing.T) {
	fake := newFakeDriver(2000)
	fake.positions = []driver.PositionSnapshot{
		{Symbol: "ETHUSDT", Side: "long", Quantity: 0.5},
		{Symbol: "BTCUSDT", Side: "short", Quantity: 0.02},
	}

	tickets, err := testEngine(t, fake, approveAll(), &recordingSink{}).ClosePositions(
		context.Background(), testRef, "")
	if err != nil {
		t.Fatalf("ClosePositions returned error: %v", err)
	}
	if len(tickets) != 2 || len(fake.placeReqs) != 2 {
		t.Fatalf("expected two closing orders, got %d tickets %d reqs", len(tickets), len(fake.placeReqs))
	}

	bySymbol := map[string]driver.PlaceRequest{}
	for _, req := range fake.placeReqs {
		bySymbol[req.Symbol] = req
	}
	if req := bySymbol["ETHUSDT"]; req.Side != driver.SideSell || req.Size != 0.5 {
		t.Fatalf("long position must be closed with a sell: %+v", req)
	}
	if req := bySymbol["BTCUSDT"]; req.Side != driver.SideBuy || req.Size != 0.02 {
		t.Fatalf("short position must be closed with a buy: %+v", req)
	}
}

func TestEngineUpdateSinkDispatchesToBatches(t *testing.T) {
	fake := newFakeDriver(2000)
	approver := &fakeApprover{verdict: risk.Verdict{Approved: true, ApprovedNotional: 500}}

	eng := testEngine(t, fake, approver, &recordingSink{})
	result, err := eng.PlaceNotional(
		context.Background(), testRef, "ETHUSDT", driver.SideBuy, 500, 0.9, PlaceOptions{Soft: true})
	if err != nil {
		t.Fatalf("PlaceNotional returned error: %v", err)
	}

	eng.OnOrderUpdate(driver.OrderUpdateEvent{
		VenueOrderID: result.Tickets[0].VenueOrderID,
		Symbol:       "ETHUSDT",
		Status:       driver.StatusFilled,
		FilledSize:   result.Tickets[0].RequestedSize,
		Timestamp:    time.Now().UTC(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(eng.Batches()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("push fill did not drain the batch, still running: %v", eng.Batches())
}
