package dispatch

import (
	"context"
	"time"

	"orchestrator/pkg/proto"
)

// reapExpiredLeases implements the Claim-then-crash law (§8): a subtask
// whose claim age exceeds the configured lease window is returned to
// pending with its attempt counter incremented, as though the worker that
// held it had crashed mid-task. It never touches a subtask that is not
// currently processing.
func (d *Dispatcher) reapExpiredLeases() {
	for _, snap := range d.ledger.all() {
		if snap.Status != proto.StatusProcessing {
			continue
		}
		age, err := d.ledger.leaseAge(snap.ID)
		if err != nil || age < d.leaseWindow {
			continue
		}

		st, err := d.ledger.get(snap.ID)
		if err != nil {
			continue
		}
		st.Requeue("lease expired after " + age.String())

		q, err := d.queues.get(snap.Role)
		if err != nil {
			continue
		}
		q.requeue(snap.ID)

		d.logger.Warn("⏱ lease expired for subtask %s (role=%s, held %s), re-enqueued (attempt %d)",
			snap.ID, snap.Role, age, snap.Attempts+1)
		d.publishStructureAndStatusDelta(snap.ID)
	}
}

// runLeaseReaper polls for expired leases at a fixed interval until ctx is
// cancelled or Stop is called.
func (d *Dispatcher) runLeaseReaper(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.reapExpiredLeases()
		}
	}
}
