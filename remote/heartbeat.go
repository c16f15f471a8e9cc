package remote

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// maxMissedHeartbeats is how many pings in a row may fail before the
// heartbeat gives up.
const maxMissedHeartbeats = 3

// RunHeartbeat calls ping every interval until ctx ends, which returns nil.
// It returns an error once maxMissedHeartbeats consecutive pings failed.
// A non-positive interval disables the heartbeat: RunHeartbeat just waits
// for ctx.
func RunHeartbeat(ctx context.Context, interval time.Duration, ping func(context.Context) error) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err := ping(pingCtx)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			missed = 0
			continue
		}
		missed++
		if missed >= maxMissedHeartbeats {
			return errors.Wrapf(err, "heartbeat failed %d times", missed)
		}
	}
}
