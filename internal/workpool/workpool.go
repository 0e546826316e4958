// Package workpool runs independent jobs in parallel with an optional bound
// on how many are in flight.
package workpool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Run calls fn for every item with at most limit calls in flight
// (limit <= 0 means no bound). Items are isolated: a failing call neither
// cancels nor blocks its siblings. The returned slice holds one error per
// item, nil on success, in input order.
func Run[T any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) error) []error {
	errs := make([]error, len(items))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			errs[i] = fn(ctx, item)
			return nil
		})
	}
	g.Wait()
	return errs
}

// Failed counts the non-nil errors.
func Failed(errs []error) int {
	n := 0
	for _, err := range errs {
		if err != nil {
			n++
		}
	}
	return n
}
