package task

import (
	"fmt"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
)

type bucket struct {
	t     Type
	limit int
	queue []Record
}

// Reorder returns records in a fair execution order. Records of one type
// keep their relative order, and in each round every type with tasks left
// contributes at most limit(type) of them, visiting types in the order they
// first appear. A type that floods the queue therefore cannot take more
// than its limit of consecutive slots while others wait.
//
// The round a lopsided leading type joins rotates with the queue length
// (len(records) mod the sum of limits), so successive polls of a draining
// queue alternate which type goes first.
//
// Limits covering every type's full count drain the queue in one round,
// which returns the input unchanged only when it is already grouped by type.
// Interleaved input still comes back grouped: [A1 B2 A3] becomes [A1 A3 B2].
//
// Reorder is pure: it never modifies records. It fails before reordering
// when a record has no type or a limit is below 1.
func Reorder(records []Record, limit LimitFunc) ([]Record, error) {
	if len(records) == 0 {
		return []Record{}, nil
	}
	if limit == nil {
		return nil, fmt.Errorf("%w: no limit function", latcherrors.ErrInvalidLimit)
	}

	var buckets []*bucket
	index := make(map[Type]*bucket)
	total := 0
	for _, rec := range records {
		if rec.Type == "" {
			return nil, fmt.Errorf("%w: task %d has no type", latcherrors.ErrInvalidTaskType, rec.ID)
		}
		b, ok := index[rec.Type]
		if !ok {
			n := limit(rec.Type)
			if n < 1 {
				return nil, fmt.Errorf("%w: %s limit %d", latcherrors.ErrInvalidLimit, rec.Type, n)
			}
			b = &bucket{t: rec.Type, limit: n}
			index[rec.Type] = b
			buckets = append(buckets, b)
			total += n
		}
		b.queue = append(b.queue, rec)
	}
	metrics.QoSBatches.Inc()

	out := make([]Record, 0, len(records))
	if len(buckets) == 1 {
		return append(out, records...), nil
	}

	lead := buckets[0]
	skipLead := len(lead.queue) > lead.limit && len(records)%total < lead.limit

	for len(out) < len(records) {
		for _, b := range buckets {
			if skipLead && b == lead {
				continue
			}
			n := min(b.limit, len(b.queue))
			out = append(out, b.queue[:n]...)
			b.queue = b.queue[n:]
		}
		skipLead = false
	}
	return out, nil
}

// ReorderUniform reorders records with the same limit n for every type.
func ReorderUniform(records []Record, n int) ([]Record, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: %d", latcherrors.ErrInvalidLimit, n)
	}
	return Reorder(records, func(Type) int { return n })
}
