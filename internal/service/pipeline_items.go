package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ItemError is a tolerated failure of one sub-item inside a stage.
type ItemError struct {
	Index int
	Err   error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

// ItemSummary counts how a per-item loop went.
type ItemSummary struct {
	Total     int
	Succeeded int
	Failed    []ItemError
}

// Degraded reports whether at least one item failed.
func (s ItemSummary) Degraded() bool { return len(s.Failed) > 0 }

// ForEachItem runs fn for every item in order. An item that returns an error or
// panics is logged as a warning and skipped. The context is checked before each
// item; on cancellation the loop stops and returns ctx.Err().
func ForEachItem[T any](ctx context.Context, sc *StageContext, items []T, fn func(ctx context.Context, index int, item T) error) (ItemSummary, error) {
	summary := ItemSummary{Total: len(items)}
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := runItem(ctx, i, item, fn); err != nil {
			summary.Failed = append(summary.Failed, ItemError{Index: i, Err: err})
			sc.Warn("item %d/%d failed: %v", i+1, len(items), err)
		} else {
			summary.Succeeded++
		}
		sc.Report((i+1)*100/len(items), fmt.Sprintf("%d/%d items", i+1, len(items)))
	}
	return summary, ctx.Err()
}

// ForEachItemParallel is ForEachItem with up to limit items in flight.
// Items already started when the context is cancelled run to completion.
func ForEachItemParallel[T any](ctx context.Context, sc *StageContext, items []T, limit int, fn func(ctx context.Context, index int, item T) error) (ItemSummary, error) {
	if limit <= 1 {
		return ForEachItem(ctx, sc, items, fn)
	}

	var (
		mu      sync.Mutex
		summary = ItemSummary{Total: len(items)}
		done    int
		g       errgroup.Group
	)
	g.SetLimit(limit)

	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			err := runItem(ctx, i, item, fn)

			mu.Lock()
			done++
			n := done
			if err != nil {
				summary.Failed = append(summary.Failed, ItemError{Index: i, Err: err})
			} else {
				summary.Succeeded++
			}
			mu.Unlock()

			if err != nil {
				sc.Warn("item %d/%d failed: %v", i+1, len(items), err)
			}
			sc.Report(n*100/len(items), fmt.Sprintf("%d/%d items", n, len(items)))
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(summary.Failed, func(a, b int) bool { return summary.Failed[a].Index < summary.Failed[b].Index })
	return summary, ctx.Err()
}

func runItem[T any](ctx context.Context, i int, item T, fn func(ctx context.Context, index int, item T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, i, item)
}
