package bridge

import (
	"context"
	"time"

	"github.com/klipach/firebridge/contract"
)

// RunHeartbeat sends receiveStuff with a counter that starts at 1 and grows by one on
// every tick. It returns when ctx is done or ticks is closed.
func (b *Bridge) RunHeartbeat(ctx context.Context, ticks <-chan time.Time) {
	counter := 1
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			counter++
			b.send(contract.EventReceiveStuff, contract.ReceiveStuff{Value: counter})
		}
	}
}

// Heartbeat runs RunHeartbeat on a ticker with the given interval.
func (b *Bridge) Heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	b.RunHeartbeat(ctx, ticker.C)
}
