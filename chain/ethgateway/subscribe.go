package ethgateway

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"github.com/teranos/jobboard/chain"
)

// decodeLog maps a contract log to a lifecycle event by its topic hash.
func decodeLog(parsed abi.ABI, l types.Log) (chain.Event, bool) {
	if len(l.Topics) < 2 {
		return chain.Event{}, false
	}
	for _, kind := range chain.EventKinds {
		ev, ok := parsed.Events[string(kind)]
		if !ok || ev.ID != l.Topics[0] {
			continue
		}
		return chain.Event{
			Kind:  kind,
			JobID: new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(),
			Block: l.BlockNumber,
		}, true
	}
	return chain.Event{}, false
}

// Subscribe watches every lifecycle event. It needs a websocket or IPC
// endpoint; over plain HTTP it fails and callers fall back to polling.
func (g *Gateway) Subscribe(ctx context.Context) (chain.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		events: make(chan chain.Event, chain.SubscriberBufferSize),
		errc:   make(chan error, 1),
		cancel: cancel,
	}

	for _, kind := range chain.EventKinds {
		logs, sub, err := g.contract.WatchLogs(&bind.WatchOpts{Context: ctx}, string(kind))
		if err != nil {
			s.Unsubscribe()
			return nil, markUnavailable(err, "watch "+string(kind))
		}
		s.subs = append(s.subs, sub)
		s.wg.Add(1)
		go s.forward(ctx, g.abi, logs, sub)
	}

	go func() {
		<-ctx.Done()
		s.Unsubscribe()
	}()
	return s, nil
}

type subscription struct {
	events chan chain.Event
	errc   chan error
	subs   []event.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *subscription) forward(ctx context.Context, parsed abi.ABI, logs <-chan types.Log, sub event.Subscription) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-sub.Err():
			if ok && err != nil {
				select {
				case s.errc <- markUnavailable(err, "log subscription"):
				default:
				}
			}
			return
		case l := <-logs:
			ev, ok := decodeLog(parsed, l)
			if !ok {
				continue
			}
			select {
			case s.events <- ev:
			default:
			}
		}
	}
}

func (s *subscription) Events() <-chan chain.Event { return s.events }
func (s *subscription) Err() <-chan error          { return s.errc }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		for _, sub := range s.subs {
			sub.Unsubscribe()
		}
		s.wg.Wait()
		close(s.events)
		close(s.errc)
	})
}
