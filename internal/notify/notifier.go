package notify

import (
	"context"
	"errors"

	"github.com/tooroo-1911/bidv-transaction-monitor/pkg/model"
)

// Notifier delivers human-facing or machine-facing alerts for detected
// transactions. Delivery failure is reported to the caller but whether it
// blocks the dedup commit is the poller's policy, not the notifier's.
type Notifier interface {
	// Notify delivers one new-transaction event.
	Notify(ctx context.Context, tx model.Transaction) error
	// Alert delivers an operational alert (startup, escalation).
	Alert(ctx context.Context, evt model.AlertEvent) error
}

// Multi fans out to several notifiers and joins their failures.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, tx model.Transaction) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, tx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Alert(ctx context.Context, evt model.AlertEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Alert(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
