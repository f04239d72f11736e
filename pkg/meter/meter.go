// Package meter implements the Power-Meter Transaction Coordinator
// (spec.md §2 item 9): starting and stopping billed transactions on
// every configured ports.BillingMeter, collecting the signed OCMF-style
// meter values a transaction is bracketed by, and surfacing meter-
// reported hardware faults to the Error Aggregator.
//
// Grounded on the Charger's own (now-delegated) transaction bookkeeping
// in §4.2 "Transaction lifecycle" and on original_source's power-meter
// driver modules (AST_DC650, PowermeterGSH01's powermeterImpl.cpp),
// which report communication-loss and calibration faults as independent
// error events rather than only as a failed start/stop call — hence
// Coordinator wires ports.BillingMeter.SubscribeErrors into the
// erroragg.Aggregator itself, once, at construction.
package meter

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/evse-go/evsecore/pkg/erroragg"
	"github.com/evse-go/evsecore/pkg/ports"
	"github.com/evse-go/evsecore/pkg/session"
)

// errSource identifies meter-coordinator-raised errors to erroragg.
const errSource = "Meter"

// Transaction is one active billed interval against a single meter.
type Transaction struct {
	Meter  ports.BillingMeter
	Record session.TransactionRecord
}

// Coordinator drives start_transaction/stop_transaction calls across
// every configured billing meter (§4.2 "Transaction lifecycle": "On
// meter error, if fail_on_powermeter_errors, raise
// PowermeterTransactionStartFailed").
type Coordinator struct {
	meters      []ports.BillingMeter
	failOnError bool
	errors      *erroragg.Aggregator
}

// New builds a Coordinator over meters and wires each meter's
// SubscribeErrors stream into errs (if non-nil). failOnError controls
// whether a failed StartTransaction call raises a blocking error, per
// the fail_on_powermeter_errors config option.
func New(meters []ports.BillingMeter, failOnError bool, errs *erroragg.Aggregator) *Coordinator {
	c := &Coordinator{
		meters:      append([]ports.BillingMeter(nil), meters...),
		failOnError: failOnError,
		errors:      errs,
	}
	for _, m := range c.meters {
		m.SubscribeErrors(func(err session.HardwareError) {
			if c.errors != nil {
				c.errors.Raise(err.Source, err.Type, err.Subtype, err.VendorID, err.Severity)
			}
		})
	}
	return c
}

// StartAll starts a transaction on every configured meter for
// sessionUUID. Meters that fail to start are skipped (not retried);
// when failOnError is set, a failing meter raises
// erroragg.SourceMeterTransaction so the Error Aggregator can force a
// stop on the caller's behalf rather than the coordinator deciding to
// unwind an already-committed Charging transition itself.
func (c *Coordinator) StartAll(ctx context.Context, sessionUUID string) []Transaction {
	var txns []Transaction
	for _, m := range c.meters {
		res, err := m.StartTransaction(ctx, ports.StartTransactionRequest{
			EVSEID:      m.ID(),
			SessionUUID: sessionUUID,
		})
		if err != nil || res.Status != ports.TransactionOK {
			if c.failOnError && c.errors != nil {
				c.errors.Raise(errSource, erroragg.SourceMeterTransaction, m.ID(), "", session.SeverityHigh)
			}
			continue
		}
		txns = append(txns, Transaction{
			Meter: m,
			Record: session.TransactionRecord{
				ID:               uuid.NewString(),
				SessionUUID:      sessionUUID,
				MeterID:          m.ID(),
				StartSignedValue: res.StartSignedValue,
				StartedAt:        time.Now(),
			},
		})
	}
	return txns
}

// StopAll stops every transaction in txns, stamping each record with
// its stop-signed value, stop time, and reason.
func (c *Coordinator) StopAll(ctx context.Context, txns []Transaction, reason session.StopReason) []session.TransactionRecord {
	out := make([]session.TransactionRecord, 0, len(txns))
	for _, txn := range txns {
		res, err := txn.Meter.StopTransaction(ctx, txn.Record.ID)
		txn.Record.StoppedAt = time.Now()
		txn.Record.Reason = reason
		if err == nil {
			txn.Record.StopSignedValue = res.SignedValue
		}
		out = append(out, txn.Record)
	}
	return out
}
