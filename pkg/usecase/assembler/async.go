package assembler

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/carebot/pkg/model"
	"github.com/m-mizutani/carebot/pkg/utils/logging"
)

// AsyncRefresher runs another refresher in the background. At most one
// refresh per session is in flight; extra requests are dropped.
type AsyncRefresher struct {
	next    SummaryRefresher
	timeout time.Duration

	mu       sync.Mutex
	inflight map[model.SessionID]struct{}
	wg       sync.WaitGroup
}

var _ SummaryRefresher = &AsyncRefresher{}

func NewAsyncRefresher(next SummaryRefresher, timeout time.Duration) *AsyncRefresher {
	return &AsyncRefresher{
		next:     next,
		timeout:  timeout,
		inflight: make(map[model.SessionID]struct{}),
	}
}

// RefreshSummary schedules a refresh and returns immediately.
func (a *AsyncRefresher) RefreshSummary(ctx context.Context, owner model.UserID, session model.SessionID) error {
	a.mu.Lock()
	if _, ok := a.inflight[session]; ok {
		a.mu.Unlock()
		return nil
	}
	a.inflight[session] = struct{}{}
	a.wg.Add(1)
	a.mu.Unlock()

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	go func() {
		defer a.wg.Done()
		defer cancel()
		defer func() {
			a.mu.Lock()
			delete(a.inflight, session)
			a.mu.Unlock()
		}()

		if err := a.next.RefreshSummary(bg, owner, session); err != nil {
			logging.From(bg).Warn("background summary refresh failed", "error", err, "session", session)
		}
	}()

	return nil
}

// Close waits for running refreshes.
func (a *AsyncRefresher) Close() {
	a.wg.Wait()
}
