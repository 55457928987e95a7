package sync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/salbaldovinos/hoofdirect-sub000/internal/logger"
)

// Observer publishes the live connectivity signal: reachability plus a
// coarse transport class. Platform adapters report via SetState; an optional
// HTTP probe loop covers hosts without a native reachability API.
//
// Brief drops are debounced so the orchestrator is not thrashed by a
// flapping link: an offline report only takes effect if the link stays down
// for the debounce window, while an online report applies immediately.
type Observer struct {
	mu           sync.Mutex
	state        ConnState
	subs         []chan ConnState
	debounce     time.Duration
	offlineTimer *time.Timer
	closed       bool
}

func NewObserver(debounce time.Duration) *Observer {
	return &Observer{
		state:    ConnState{Online: false, Class: TransportNone},
		debounce: debounce,
	}
}

func (o *Observer) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Online
}

func (o *Observer) State() ConnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SetState reports a reachability change.
func (o *Observer) SetState(online bool, class TransportClass) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}

	if online {
		if o.offlineTimer != nil {
			o.offlineTimer.Stop()
			o.offlineTimer = nil
		}
		o.applyLocked(ConnState{Online: true, Class: class})
		return
	}

	if !o.state.Online {
		o.applyLocked(ConnState{Online: false, Class: class})
		return
	}

	// Delay the offline edge; a brief drop should not interrupt a cycle.
	if o.offlineTimer != nil {
		return
	}
	o.offlineTimer = time.AfterFunc(o.debounce, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.offlineTimer = nil
		if o.closed {
			return
		}
		o.applyLocked(ConnState{Online: false, Class: class})
	})
}

func (o *Observer) applyLocked(next ConnState) {
	if next == o.state {
		return
	}
	o.state = next
	logger.Log.Info("Connectivity changed",
		zap.Bool("online", next.Online), zap.String("transport", string(next.Class)))

	for _, ch := range o.subs {
		select {
		case ch <- next:
		default:
			// A slow subscriber drops samples rather than blocking the signal.
		}
	}
}

// Subscribe returns a channel receiving every state transition.
func (o *Observer) Subscribe() <-chan ConnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch := make(chan ConnState, 8)
	o.subs = append(o.subs, ch)
	return ch
}

func (o *Observer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	if o.offlineTimer != nil {
		o.offlineTimer.Stop()
		o.offlineTimer = nil
	}
	for _, ch := range o.subs {
		close(ch)
	}
	o.subs = nil
}

// StartProbe polls url until ctx is cancelled, feeding results into the
// observer. Any 2xx-5xx response counts as reachable; only transport errors
// count as offline.
func (o *Observer) StartProbe(ctx context.Context, url string, interval time.Duration) {
	client := &http.Client{Timeout: 5 * time.Second}

	probe := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			o.SetState(false, TransportNone)
			return
		}
		resp.Body.Close()
		o.SetState(true, TransportUnmetered)
	}

	go func() {
		probe()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				probe()
			case <-ctx.Done():
				return
			}
		}
	}()
}
