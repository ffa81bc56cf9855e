package audit

import (
	"context"

	"github.com/ocx/acp-buyer/internal/circuitbreaker"
)

// guardedMirror skips a mirror whose breaker is open, so a dead backend does
// not add its timeout to every Record call.
type guardedMirror struct {
	next    Mirror
	breaker *circuitbreaker.Breaker
}

// WithBreaker wraps m in breaker.
func WithBreaker(m Mirror, breaker *circuitbreaker.Breaker) Mirror {
	return &guardedMirror{next: m, breaker: breaker}
}

func (g *guardedMirror) Mirror(ctx context.Context, e Entry) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.Mirror(ctx, e)
	})
}
