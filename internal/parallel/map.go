package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map applies mapFunc to every input element with at most limit calls in
// flight. Results are yielded in completion order.
//
//	for d, err := range parallel.NewMap(4, f).Iter(ctx, slices.Values(input)) {}
//
// A canceled context stops feeding new elements; calls already running get
// the canceled context and their results are dropped.
type Map[E, D any] struct {
	limit   int
	mapFunc func(context.Context, E) (D, error)
}

func NewMap[E, D any](limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	if limit < 1 {
		limit = 1
	}
	return &Map[E, D]{
		limit:   limit,
		mapFunc: mapFunc,
	}
}

func (m *Map[E, D]) Iter(ctx context.Context, seq iter.Seq[E]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		// one extra slot for the feeder
		g.SetLimit(m.limit + 1)
		mapped := make(chan result[D], m.limit)

		g.Go(func() error {
			for entry := range seq {
				if err := gctx.Err(); err != nil {
					return err
				}
				g.Go(func() error {
					d, err := m.mapFunc(gctx, entry)
					select {
					case <-gctx.Done():
						return gctx.Err()
					case mapped <- result[D]{d: d, e: err}:
						return nil
					}
				})
			}
			return nil
		})

		go func() {
			_ = g.Wait()
			close(mapped)
		}()

		for r := range mapped {
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}
