package bot

import (
	"context"
	"log"
	"time"

	"ltv-alert/internal/message"
)

// UpdateSource long-polls chat updates
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]message.Update, error)
}

// Poller feeds updates from an UpdateSource to a Router until ctx is done
type Poller struct {
	updates UpdateSource
	router  *Router
	wait    time.Duration
}

// NewPoller creates a poller. wait is the long-poll duration per request.
func NewPoller(updates UpdateSource, router *Router, wait time.Duration) *Poller {
	return &Poller{updates: updates, router: router, wait: wait}
}

// Run polls until ctx is cancelled. Failed polls back off exponentially.
func (p *Poller) Run(ctx context.Context) {
	const (
		backoffMin = 1 * time.Second
		backoffMax = 60 * time.Second
	)
	backoff := backoffMin

	var offset int64
	log.Printf("🤖 Bot update poller started")
	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := p.updates.GetUpdates(ctx, offset, p.wait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("⚠️  Polling updates failed (retrying in %v): %v", backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
		backoff = backoffMin

		for _, u := range updates {
			p.router.HandleUpdate(ctx, u)
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
		}
	}
}
