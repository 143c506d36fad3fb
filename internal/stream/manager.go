// Package stream owns the market data lifecycle: one multiplexed transport,
// one repairable subscription per pair, an initialization barrier over all
// of them, staleness detection, and transport recovery with bounded backoff.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"batchtrader/internal/monitor"
	"batchtrader/pkg/exchanges/kraken"
)

// ErrStreamFailed means every reconnect attempt was exhausted; the session
// cannot trade until it is restarted externally.
var ErrStreamFailed = errors.New("stream: recovery attempts exhausted")

// State is the transport-level connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateLive
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateLive:
		return "LIVE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	default:
		return "DISCONNECTED"
	}
}

// Transport is the multiplexed market socket the manager drives. Implemented
// by *kraken.Transport in production.
type Transport interface {
	Connect(ctx context.Context) (<-chan kraken.StreamEvent, error)
	Subscribe(pair string) error
	Close() error
}

// Config tunes the resilience behavior.
type Config struct {
	MinWindow        int           // ticks per pair before the barrier raises
	StaleThreshold   time.Duration // no tick for this long marks a pair stale
	CheckInterval    time.Duration // staleness sweep period
	RecoveryDelay    time.Duration // pause before recovery starts
	BackoffBase      time.Duration // first reconnect backoff
	BackoffCap       time.Duration // backoff ceiling
	MaxAttempts      int           // reconnect attempts before giving up
	Stabilization    time.Duration // settle time after reopening the socket
	SubscribeDelay   time.Duration // gap between sequential subscriptions
	NotOpenRetryWait time.Duration // wait before the single not-yet-open retry
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		MinWindow:        1,
		StaleThreshold:   60 * time.Second,
		CheckInterval:    time.Second,
		RecoveryDelay:    10 * time.Second,
		BackoffBase:      3 * time.Second,
		BackoffCap:       30 * time.Second,
		MaxAttempts:      10,
		Stabilization:    5 * time.Second,
		SubscribeDelay:   time.Second,
		NotOpenRetryWait: time.Second,
	}
}

// Callbacks are invoked from the manager's goroutines. OnReady fires exactly
// once, when every pair has filled its minimum window. OnFatal fires at most
// once, when recovery is exhausted.
type Callbacks struct {
	OnPrice func(pair string, price float64, at time.Time)
	OnReady func()
	OnFatal func(err error)
}

// Manager supervises the transport and all pair subscriptions.
type Manager struct {
	cfg       Config
	transport Transport
	pairs     []string
	subs      map[string]*Subscription
	cb        Callbacks
	metrics   *monitor.SystemMetrics

	state int32

	mu          sync.Mutex
	initialized bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a manager for the given pairs. metrics may be nil.
func NewManager(cfg Config, transport Transport, pairs []string, cb Callbacks, metrics *monitor.SystemMetrics) *Manager {
	subs := make(map[string]*Subscription, len(pairs))
	for _, p := range pairs {
		subs[p] = newSubscription(p)
	}
	return &Manager{
		cfg:       cfg,
		transport: transport,
		pairs:     pairs,
		subs:      subs,
		cb:        cb,
		metrics:   metrics,
	}
}

// Start connects, subscribes every pair sequentially, and launches the
// consume and staleness loops. Any subscription failure during startup
// aborts the whole start; all pairs must be live before trading.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.setState(StateConnecting)

	events, err := m.transport.Connect(m.ctx)
	if err != nil {
		m.setState(StateDisconnected)
		m.cancel()
		return fmt.Errorf("stream start: %w", err)
	}
	if err := m.subscribeAll(); err != nil {
		_ = m.transport.Close()
		m.setState(StateDisconnected)
		m.cancel()
		return fmt.Errorf("stream start: %w", err)
	}
	m.setState(StateLive)

	m.wg.Add(2)
	go m.consumeLoop(events)
	go m.stalenessLoop()
	return nil
}

// Close cancels every loop, closes the transport and waits for the loops to
// drain.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	err := m.transport.Close()
	m.wg.Wait()
	m.setState(StateDisconnected)
	return err
}

// State returns the current transport state.
func (m *Manager) State() State {
	return State(atomic.LoadInt32(&m.state))
}

func (m *Manager) setState(s State) {
	atomic.StoreInt32(&m.state, int32(s))
}

// Initialized reports whether the barrier has raised.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// LatestPrice returns the last observed price for a pair; ok is false before
// the pair's first tick or for an unknown pair.
func (m *Manager) LatestPrice(pair string) (float64, time.Time, bool) {
	sub, ok := m.subs[pair]
	if !ok {
		return 0, time.Time{}, false
	}
	price, has := sub.Price()
	if !has {
		return 0, time.Time{}, false
	}
	return price, sub.LastUpdate(), true
}

// subscribeAll issues one subscription per pair in order, with the
// configured delay between them. A not-yet-open transport gets exactly one
// extra attempt per pair.
func (m *Manager) subscribeAll() error {
	for i, pair := range m.pairs {
		if i > 0 && !m.sleep(m.cfg.SubscribeDelay) {
			return m.ctx.Err()
		}
		if err := m.subscribeOnce(pair); err != nil {
			return fmt.Errorf("subscribe %s: %w", pair, err)
		}
		log.Printf("stream: subscribed %s", pair)
	}
	return nil
}

func (m *Manager) subscribeOnce(pair string) error {
	err := m.transport.Subscribe(pair)
	if err == nil {
		return nil
	}
	if !errors.Is(err, kraken.ErrNotYetOpen) {
		return err
	}
	log.Printf("stream: %s not yet open, retrying once", pair)
	if !m.sleep(m.cfg.NotOpenRetryWait) {
		return m.ctx.Err()
	}
	return m.transport.Subscribe(pair)
}

func (m *Manager) consumeLoop(events <-chan kraken.StreamEvent) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if m.ctx.Err() == nil {
					m.scheduleRecovery(nil)
				}
				return
			}
			switch e := ev.(type) {
			case *kraken.PriceTick:
				m.handleTick(e)
			case *kraken.SubscriptionStatus:
				if e.Err != nil {
					log.Printf("stream: subscription status error: %v", e.Err)
					if m.metrics != nil {
						m.metrics.IncrementErrors()
					}
				}
			case *kraken.TransportClosed:
				if m.ctx.Err() == nil {
					m.scheduleRecovery(e.Err)
				}
				return
			}
		}
	}
}

func (m *Manager) handleTick(tick *kraken.PriceTick) {
	sub, ok := m.subs[tick.Pair]
	if !ok {
		return
	}
	sub.Record(tick.Price, tick.At)
	if m.metrics != nil {
		m.metrics.IncrementTicks()
	}
	if m.cb.OnPrice != nil {
		m.cb.OnPrice(tick.Pair, tick.Price, tick.At)
	}
	m.checkBarrier()
}

// checkBarrier raises the one-time initialization signal once every pair has
// accumulated its minimum window. The guard flag keeps later catch-up ticks
// from re-raising it.
func (m *Manager) checkBarrier() {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return
	}
	for _, pair := range m.pairs {
		if m.subs[pair].Ticks() < int64(m.cfg.MinWindow) {
			m.mu.Unlock()
			return
		}
	}
	m.initialized = true
	m.mu.Unlock()

	log.Printf("stream: all %d subscriptions initialized", len(m.pairs))
	if m.cb.OnReady != nil {
		m.cb.OnReady()
	}
}

func (m *Manager) stalenessLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.checkStale(now)
		}
	}
}

// checkStale repairs any pair whose channel went quiet past the threshold.
// Repair is per subscription: the transport stays up and other pairs are
// untouched. A failed repair is logged and retried on the next sweep.
func (m *Manager) checkStale(now time.Time) {
	if m.State() != StateLive {
		return
	}
	for _, pair := range m.pairs {
		sub := m.subs[pair]
		if _, has := sub.Price(); !has {
			continue
		}
		age := now.Sub(sub.LastUpdate())
		if age <= m.cfg.StaleThreshold {
			continue
		}
		log.Printf("stream: %s stale for %.0fs, repairing subscription", pair, age.Seconds())
		if m.metrics != nil {
			m.metrics.IncrementStaleRepairs()
		}
		if err := m.transport.Subscribe(pair); err != nil {
			log.Printf("stream: repair %s failed, will retry: %v", pair, err)
			continue
		}
		sub.Touch(now)
	}
}

func (m *Manager) scheduleRecovery(cause error) {
	m.setState(StateReconnecting)
	if cause != nil {
		log.Printf("stream: transport lost: %v", cause)
	} else {
		log.Printf("stream: transport closed by venue")
	}
	m.wg.Add(1)
	go m.recover()
}

// recover runs the full transport recovery protocol: a fixed delay so a
// venue-side fast auto-reconnect can settle, then up to MaxAttempts rounds
// of close stale handle, backoff, reopen, stabilize, resubscribe.
func (m *Manager) recover() {
	defer m.wg.Done()
	if !m.sleep(m.cfg.RecoveryDelay) {
		return
	}

	backoff := m.cfg.BackoffBase
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		_ = m.transport.Close()
		if m.metrics != nil {
			m.metrics.IncrementReconnects()
		}
		log.Printf("stream: reconnect attempt %d/%d in %s", attempt, m.cfg.MaxAttempts, backoff)
		if !m.sleep(backoff) {
			return
		}
		backoff *= 2
		if backoff > m.cfg.BackoffCap {
			backoff = m.cfg.BackoffCap
		}

		events, err := m.transport.Connect(m.ctx)
		if err != nil {
			log.Printf("stream: reconnect attempt %d failed: %v", attempt, err)
			continue
		}
		if !m.sleep(m.cfg.Stabilization) {
			return
		}
		if err := m.subscribeAll(); err != nil {
			log.Printf("stream: resubscribe failed: %v", err)
			_ = m.transport.Close()
			continue
		}

		m.setState(StateLive)
		m.wg.Add(1)
		go m.consumeLoop(events)
		log.Printf("stream: transport recovered on attempt %d", attempt)
		return
	}

	m.setState(StateFailed)
	log.Printf("stream: %v", ErrStreamFailed)
	if m.cb.OnFatal != nil {
		m.cb.OnFatal(ErrStreamFailed)
	}
}

// sleep waits for d unless the manager context is cancelled first.
func (m *Manager) sleep(d time.Duration) bool {
	if d <= 0 {
		return m.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-m.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
