// Package groutine starts named goroutines. The name is attached as a pprof
// label, so goroutine dumps of a busy gateway show which proxy loop, device
// listener or experiment action a stack belongs to.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey string

const (
	nameKey   ctxKey = "goroutine_name"
	nameLabel        = "goroutine_name"
)

// Go runs fn on a new goroutine labelled name. A nil parentCtx means
// context.Background().
//
//	groutine.Go(ctx, "device-listen-arm", func(ctx context.Context) {
//	    defer wg.Done()
//	    p.listen(ctx)
//	})
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	go pprof.Do(parentCtx, pprof.Labels(nameLabel, name), func(ctx context.Context) {
		fn(context.WithValue(ctx, nameKey, name))
	})
}

// Name returns the name given to Go, or "" outside a named goroutine.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := ctx.Value(nameKey).(string)
	return name
}
