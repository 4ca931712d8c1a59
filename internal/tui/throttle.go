package tui

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/psantana5/diffusion-optimizer/pkg/generate"
)

// DefaultProgressRate caps progress redraws per second
const DefaultProgressRate = 20

// throttledObserver drops intermediate progress updates above a fixed rate.
// The last step of the run and every image are always forwarded.
type throttledObserver struct {
	next    generate.Observer
	limiter *rate.Limiter
	final   int
}

func newThrottledObserver(next generate.Observer, perSecond float64, final int) *throttledObserver {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Every(time.Duration(float64(time.Second) / perSecond))
	}
	return &throttledObserver{
		next:    next,
		limiter: rate.NewLimiter(limit, 1),
		final:   final,
	}
}

func (t *throttledObserver) OnProgress(globalStep int) {
	if globalStep >= t.final || t.limiter.Allow() {
		t.next.OnProgress(globalStep)
	}
}

func (t *throttledObserver) OnImage(index int, path string) {
	t.next.OnImage(index, path)
}
