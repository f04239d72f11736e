package meter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/evse-go/evsecore/pkg/erroragg"
	"github.com/evse-go/evsecore/pkg/ports"
	"github.com/evse-go/evsecore/pkg/session"
)

type fakeMeter struct {
	mu      sync.Mutex
	id      string
	failAt  bool
	started int
	stopped int
	errsFn  func(session.HardwareError)
}

func (f *fakeMeter) ID() string { return f.id }

func (f *fakeMeter) StartTransaction(ctx context.Context, req ports.StartTransactionRequest) (ports.StartTransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	if f.failAt {
		return ports.StartTransactionResult{Status: ports.TransactionUnexpectedError}, nil
	}
	return ports.StartTransactionResult{Status: ports.TransactionOK, StartSignedValue: "start-" + f.id}, nil
}

func (f *fakeMeter) StopTransaction(ctx context.Context, transactionID string) (ports.StopTransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return ports.StopTransactionResult{Status: ports.TransactionOK, SignedValue: "stop-" + f.id}, nil
}

func (f *fakeMeter) SubscribeReadings(fn func(ports.PowerMeterReading)) {}
func (f *fakeMeter) SubscribeErrors(fn func(session.HardwareError))     { f.errsFn = fn }

func TestStartAllStartsEveryMeter(t *testing.T) {
	m1 := &fakeMeter{id: "m1"}
	m2 := &fakeMeter{id: "m2"}
	c := New([]ports.BillingMeter{m1, m2}, true, nil)

	txns := c.StartAll(context.Background(), "sess-1")
	if len(txns) != 2 {
		t.Fatalf("StartAll returned %d transactions, want 2", len(txns))
	}
	for _, txn := range txns {
		if txn.Record.SessionUUID != "sess-1" {
			t.Errorf("transaction session UUID = %q, want sess-1", txn.Record.SessionUUID)
		}
		if txn.Record.StartSignedValue == "" {
			t.Error("expected a start-signed value")
		}
	}
}

func TestStartAllSkipsFailingMeterAndRaisesError(t *testing.T) {
	good := &fakeMeter{id: "good"}
	bad := &fakeMeter{id: "bad", failAt: true}
	errs := erroragg.New(nil)
	c := New([]ports.BillingMeter{good, bad}, true, errs)

	txns := c.StartAll(context.Background(), "sess-1")
	if len(txns) != 1 || txns[0].Record.MeterID != "good" {
		t.Fatalf("expected only the good meter to start, got %+v", txns)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if errs.Inoperative() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected failing meter to raise Inoperative via erroragg")
}

func TestStartAllDoesNotRaiseWhenFailOnErrorDisabled(t *testing.T) {
	bad := &fakeMeter{id: "bad", failAt: true}
	errs := erroragg.New(nil)
	c := New([]ports.BillingMeter{bad}, false, errs)

	c.StartAll(context.Background(), "sess-1")
	time.Sleep(20 * time.Millisecond)
	if errs.Inoperative() {
		t.Error("expected no Inoperative when FailOnPowermeterErrors is disabled")
	}
}

func TestStopAllStampsRecords(t *testing.T) {
	m1 := &fakeMeter{id: "m1"}
	c := New([]ports.BillingMeter{m1}, true, nil)

	txns := c.StartAll(context.Background(), "sess-1")
	records := c.StopAll(context.Background(), txns, session.StopReasonLocal)

	if len(records) != 1 {
		t.Fatalf("StopAll returned %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.StopSignedValue != "stop-m1" {
		t.Errorf("StopSignedValue = %q, want stop-m1", rec.StopSignedValue)
	}
	if rec.Reason != session.StopReasonLocal {
		t.Errorf("Reason = %v, want StopReasonLocal", rec.Reason)
	}
	if rec.StoppedAt.IsZero() {
		t.Error("expected StoppedAt to be set")
	}
	if m1.stopped != 1 {
		t.Errorf("meter StopTransaction called %d times, want 1", m1.stopped)
	}
}

func TestSubscribeErrorsWiredToAggregator(t *testing.T) {
	m1 := &fakeMeter{id: "m1"}
	errs := erroragg.New(nil)
	New([]ports.BillingMeter{m1}, true, errs)

	m1.errsFn(session.HardwareError{
		Source: "m1", Type: "CommunicationLoss", Severity: session.SeverityHigh,
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if errs.Inoperative() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected meter-reported hardware error to reach the aggregator")
}
