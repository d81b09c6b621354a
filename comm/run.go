package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RunRanks executes fn once per rank on a fresh world, each rank on
// its own goroutine with a rank-tagged logger in its context. The
// first failing rank cancels the group; the abort task then wakes
// every blocked communication call so no goroutine is left behind.
func RunRanks(ctx context.Context, size int, fn func(ctx context.Context, c *Comm) error) error {
	w, err := NewWorld(size)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	wg.Add(size)
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("abort", parallel.Continue, func(ctx context.Context) error {
			<-ctx.Done()
			w.Abort()
			return nil
		})
		for rank := 0; rank < size; rank++ {
			spawn(fmt.Sprintf("rank-%02d", rank), parallel.Continue, func(ctx context.Context) error {
				defer wg.Done()
				log := logger.Get(ctx).With(zap.Int("rank", rank))
				return rankMain(logger.WithLogger(ctx, log), w.Comm(rank), fn)
			})
		}
		spawn("join", parallel.Exit, func(ctx context.Context) error {
			wg.Wait()
			return nil
		})
		return nil
	})
}

// rankMain recovers an aborted world into a plain error so the group
// shuts down cleanly instead of crashing.
func rankMain(ctx context.Context, c *Comm, fn func(ctx context.Context, c *Comm) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok && errors.Is(rerr, ErrAborted) {
				err = rerr
				return
			}
			panic(r)
		}
	}()
	return fn(ctx, c)
}
