package port

import (
	"context"
	"time"
)

// AlarmScheduler runs named repeating callbacks. Scheduling an existing name replaces it.
type AlarmScheduler interface {
	Schedule(name string, interval time.Duration, fn func(ctx context.Context))
	Cancel(name string)
}
