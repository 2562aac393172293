// Package queue holds generation ids that are waiting for a due time.
//
// Entries carry a priority (lower is more urgent) and a due time. PopDue hands
// out due entries under a lease; an entry that is neither Acked nor
// rescheduled before its lease expires is returned to the ready set by
// RequeueExpired. The queue is a scheduling hint only: the generation store
// stays authoritative and a lost entry is recreated by recovery.
package queue

import (
	"context"
	"time"
)

// Queue is the scheduled-task queue driven by the worker loops.
type Queue interface {
	// Schedule inserts id or moves it to a new due time. Rescheduling a leased
	// id drops the lease.
	Schedule(ctx context.Context, id string, priority int, due time.Time) error
	// PopDue leases up to limit due ids, most urgent first.
	PopDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	// Ack drops a leased id once it has been handled.
	Ack(ctx context.Context, id string) error
	// Remove deletes id wherever it is.
	Remove(ctx context.Context, id string) error
	// RequeueExpired makes ids whose lease ran out due again.
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
	// Depth reports waiting (scheduled or ready) and leased counts.
	Depth(ctx context.Context) (waiting, leased int64, err error)
}

const (
	minPriority = 0
	maxPriority = 800
)

func clampPriority(p int) int {
	if p < minPriority {
		return minPriority
	}
	if p > maxPriority {
		return maxPriority
	}
	return p
}
