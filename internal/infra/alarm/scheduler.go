package alarm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs named repeating callbacks on their own tickers.
// A callback never overlaps with itself; a tick that arrives while it runs is skipped.
type Scheduler struct {
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	alarms map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		alarms: make(map[string]context.CancelFunc),
	}
}

func (s *Scheduler) Schedule(name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		s.logger.Warn("ignoring alarm with non-positive interval", zap.String("alarm", name))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	if cancel, ok := s.alarms[name]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.alarms[name] = cancel

	s.wg.Add(1)
	go s.run(ctx, name, interval, fn)

	s.logger.Debug("alarm scheduled", zap.String("alarm", name), zap.Duration("interval", interval))
}

func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.alarms[name]; ok {
		cancel()
		delete(s.alarms, name)
	}
}

// Stop cancels every alarm and waits for running callbacks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.alarms = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, name, fn)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, name string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("alarm callback panicked", zap.String("alarm", name), zap.Any("panic", r))
		}
	}()
	fn(ctx)
}
