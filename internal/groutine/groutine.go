// Package groutine starts named goroutines. Names are attached as pprof labels
// so long-lived transport and scheduler goroutines are identifiable in
// profiles and stack dumps.
package groutine

import (
	"context"
	"fmt"
	"runtime/pprof"
	"sync"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go runs fn in a new goroutine labelled with name.
// A nil parent context is treated as context.Background().
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)
	go pprof.Do(parent, labels, func(ctx context.Context) {
		fn(context.WithValue(ctx, nameKey, name))
	})
}

// GoSafe is Go with panic recovery. A panic in fn is logged and swallowed, and
// wg (if not nil) is released when fn returns.
func GoSafe(parent context.Context, logger *logrus.Logger, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	if wg != nil {
		wg.Add(1)
	}
	Go(parent, name, func(ctx context.Context) {
		if wg != nil {
			defer wg.Done()
		}
		defer func() {
			if r := recover(); r != nil && logger != nil {
				logger.WithFields(logrus.Fields{
					"goroutine": name,
					"panic":     fmt.Sprint(r),
				}).Error("Goroutine panicked")
			}
		}()
		fn(ctx)
	})
}

// Name returns the goroutine name stored in ctx, or "".
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(nameKey).(string); ok {
		return s
	}
	return ""
}
