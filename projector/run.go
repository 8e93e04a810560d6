package projector

import (
	"context"
	"time"

	"github.com/teranos/jobboard/chain"
)

// Run refreshes on start, every poll interval, on Invalidate, and whenever the
// gateway reports a contract event. It returns when ctx ends. A gateway that
// cannot subscribe leaves polling as the only trigger.
func (p *Projector) Run(ctx context.Context) error {
	p.refreshLogged(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	sub := p.subscribe(ctx)
	defer func() {
		if sub != nil {
			sub.Unsubscribe()
		}
	}()

	for {
		var events <-chan chain.Event
		var subErr <-chan error
		if sub != nil {
			events, subErr = sub.Events(), sub.Err()
		}

		select {
		case <-ctx.Done():
			p.logger.Debugw("Projector stopped", "scope", p.scope.String())
			return ctx.Err()

		case <-ticker.C:
			p.refreshLogged(ctx)

		case <-p.trigger:
			p.refreshLogged(ctx)

		case <-p.resub:
			if sub != nil {
				sub.Unsubscribe()
			}
			sub = p.subscribe(ctx)

		case ev, ok := <-events:
			if !ok {
				sub = nil
				continue
			}
			p.logger.Debugw("Contract event", "event", string(ev.Kind), "job_id", ev.JobID, "block", ev.Block)
			drain(events)
			p.refreshLogged(ctx)

		case err, ok := <-subErr:
			if ok && err != nil {
				p.logger.Warnw("Event subscription ended, polling only", "error", err)
			}
			sub.Unsubscribe()
			sub = nil
		}
	}
}

func (p *Projector) subscribe(ctx context.Context) chain.Subscription {
	sub, err := p.Gateway().Subscribe(ctx)
	if err != nil {
		p.logger.Infow("Event subscription unavailable, polling only", "error", err)
		return nil
	}
	return sub
}

func (p *Projector) refreshLogged(ctx context.Context) {
	if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
		p.logger.Debugw("Refresh failed", "scope", p.scope.String(), "error", err)
	}
}

// drain discards queued events; one refresh covers them all.
func drain(events <-chan chain.Event) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
