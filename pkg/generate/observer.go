package generate

import (
	"context"

	"github.com/psantana5/diffusion-optimizer/pkg/models"
)

// Observer receives progress from a generation run. Calls are made from the
// goroutine running Generate, in order.
type Observer interface {
	// OnProgress reports the one-based count of completed steps across all batches
	OnProgress(globalStep int)
	// OnImage reports a saved image
	OnImage(index int, path string)
}

// ObserverFuncs adapts optional callbacks to Observer
type ObserverFuncs struct {
	Progress func(globalStep int)
	Image    func(index int, path string)
}

// OnProgress calls Progress when set
func (f ObserverFuncs) OnProgress(globalStep int) {
	if f.Progress != nil {
		f.Progress(globalStep)
	}
}

// OnImage calls Image when set
func (f ObserverFuncs) OnImage(index int, path string) {
	if f.Image != nil {
		f.Image(index, path)
	}
}

// ChannelObserver forwards events to a channel. Sends block until received
// (or ctx is done) so a consumer sees every event in order.
type ChannelObserver struct {
	ctx context.Context
	ch  chan<- models.Event
}

// NewChannelObserver creates an observer writing to ch
func NewChannelObserver(ctx context.Context, ch chan<- models.Event) *ChannelObserver {
	return &ChannelObserver{ctx: ctx, ch: ch}
}

// OnProgress sends an EventStep
func (c *ChannelObserver) OnProgress(globalStep int) {
	c.send(models.Event{Kind: models.EventStep, Step: globalStep})
}

// OnImage sends an EventImage
func (c *ChannelObserver) OnImage(index int, path string) {
	c.send(models.Event{Kind: models.EventImage, Index: index, Path: path})
}

func (c *ChannelObserver) send(ev models.Event) {
	select {
	case c.ch <- ev:
	case <-c.ctx.Done():
	}
}

type nopObserver struct{}

func (nopObserver) OnProgress(int)      {}
func (nopObserver) OnImage(int, string) {}
