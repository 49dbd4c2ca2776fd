package portalauth

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/portalauth/role"
	"github.com/MrEthical07/portalauth/session"
)

var timeNow = time.Now

// Orchestrator bridges a [SessionProvider] and a [ProfileStore] into the single
// resolved user held by its [session.Store]. It is the only writer of that store.
//
// An Orchestrator is live from Build until Close. After Close no write reaches the
// store, including writes from resolutions that were already in flight.
type Orchestrator struct {
	config   Config
	provider SessionProvider
	profiles ProfileStore
	store    *session.Store
	roles    *role.Registry
	guard    *Guard
	logger   *slog.Logger
	audit    *auditDispatcher
	metrics  *Metrics
	now      func() time.Time

	adminEmail string

	// lifeMu serialises liveness changes against store writes and goroutine starts.
	lifeMu      sync.RWMutex
	live        atomic.Bool
	started     bool
	unsubscribe func()
	baseCtx     context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once

	refreshing atomic.Bool
	correcting atomic.Bool

	evMu     sync.Mutex
	pending  *pendingEvent
	evSignal chan struct{}
}

type pendingEvent struct {
	token session.Token
	event SessionEvent
}

/*
====================================
LIFECYCLE
====================================
*/

// Start subscribes to provider events, starts the periodic refresh and runs
// [Orchestrator.Initialize]. Resolution failures are logged, never returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifeMu.Lock()
	if !o.live.Load() {
		o.lifeMu.Unlock()
		return ErrOrchestratorClosed
	}
	if o.started {
		o.lifeMu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.wg.Add(2)
	go o.eventLoop()
	go o.refreshLoop()
	o.lifeMu.Unlock()

	// Subscribing before the first resolution means no change between the two is
	// missed; the event resolution starts later and wins.
	unsubscribe := o.provider.OnSessionChange(o.onSessionEvent)

	o.lifeMu.Lock()
	if !o.live.Load() {
		o.lifeMu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
		return ErrOrchestratorClosed
	}
	o.unsubscribe = unsubscribe
	o.lifeMu.Unlock()

	o.Initialize(ctx)
	return nil
}

// Initialize resolves the user from whatever session the provider already holds.
func (o *Orchestrator) Initialize(ctx context.Context) {
	o.resolve(ctx, TriggerInitialize)
}

// RefreshAuth re-resolves the user and returns once the result is committed.
// Failures resolve to no user and are logged.
func (o *Orchestrator) RefreshAuth(ctx context.Context) {
	o.resolve(ctx, TriggerManual)
}

// TriggerRefresh starts a background re-resolution unless one started by
// TriggerRefresh is still running. It reports whether a new one was started.
func (o *Orchestrator) TriggerRefresh() bool {
	if !o.refreshing.CompareAndSwap(false, true) {
		return false
	}
	started := o.goBackground(func(ctx context.Context) {
		defer o.refreshing.Store(false)
		o.resolve(ctx, TriggerGuard)
	})
	if !started {
		o.refreshing.Store(false)
	}
	return started
}

// Close stops the Orchestrator: it clears liveness, unsubscribes from the provider,
// cancels pending provider calls, waits for background work and flushes audit
// events. Close is idempotent.
func (o *Orchestrator) Close() {
	if o == nil {
		return
	}
	o.closeOnce.Do(func() {
		o.lifeMu.Lock()
		o.live.Store(false)
		unsubscribe := o.unsubscribe
		o.unsubscribe = nil
		o.lifeMu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		o.cancel()
		o.wg.Wait()
		o.audit.Close()
	})
}

// Live reports whether Close has not been called.
func (o *Orchestrator) Live() bool {
	return o != nil && o.live.Load()
}

/*
====================================
READ INTERFACE
====================================
*/

func (o *Orchestrator) Store() *session.Store { return o.store }

func (o *Orchestrator) State() session.State { return o.store.State() }

// User returns the resolved user, or nil. The value must be treated as read-only.
func (o *Orchestrator) User() *ApplicationUser { return o.store.User() }

func (o *Orchestrator) Guard() *Guard { return o.guard }

func (o *Orchestrator) Roles() *role.Registry { return o.roles }

func (o *Orchestrator) AuditDropped() uint64 {
	if o == nil || o.audit == nil {
		return 0
	}
	return o.audit.Dropped()
}

func (o *Orchestrator) MetricsSnapshot() MetricsSnapshot {
	if o == nil || o.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return o.metrics.Snapshot()
}

/*
====================================
BACKGROUND WORK
====================================
*/

func (o *Orchestrator) refreshLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.baseCtx.Done():
			return
		case <-ticker.C:
			o.metrics.Inc(MetricRefreshTick)
			o.resolve(o.baseCtx, TriggerTick)
		}
	}
}

// onSessionEvent runs on the provider's goroutine. It claims a resolution token
// immediately so event order is preserved, then hands the event to eventLoop.
// Only the newest unprocessed event is kept; a replaced one is abandoned.
func (o *Orchestrator) onSessionEvent(ev SessionEvent) {
	o.metrics.Inc(MetricSessionEvent)

	token, ok := o.begin()
	if !ok {
		return
	}

	o.evMu.Lock()
	replaced := o.pending
	o.pending = &pendingEvent{token: token, event: ev}
	o.evMu.Unlock()

	if replaced != nil {
		o.abandon(replaced.token)
		o.metrics.Inc(MetricResolveAbandoned)
	}

	select {
	case o.evSignal <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) eventLoop() {
	defer o.wg.Done()

	for {
		select {
		case <-o.baseCtx.Done():
			return
		case <-o.evSignal:
			o.evMu.Lock()
			p := o.pending
			o.pending = nil
			o.evMu.Unlock()
			if p != nil {
				o.applyEvent(p)
			}
		}
	}
}

// goBackground runs fn on a tracked goroutine while the Orchestrator is live.
func (o *Orchestrator) goBackground(fn func(ctx context.Context)) bool {
	o.lifeMu.RLock()
	defer o.lifeMu.RUnlock()

	if !o.live.Load() {
		return false
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(o.baseCtx)
	}()
	return true
}

// callContext derives a context cancelled by ctx, by Close and by ProviderTimeout.
func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(o.baseCtx, cancel)

	if o.config.ProviderTimeout <= 0 {
		return ctx, func() {
			stop()
			cancel()
		}
	}
	tctx, tcancel := context.WithTimeout(ctx, o.config.ProviderTimeout)
	return tctx, func() {
		tcancel()
		stop()
		cancel()
	}
}

/*
====================================
STORE WRITES
====================================
*/

// Every store write goes through these helpers, which hold lifeMu so a write can
// never race past Close.

func (o *Orchestrator) begin() (session.Token, bool) {
	o.lifeMu.RLock()
	defer o.lifeMu.RUnlock()

	if !o.live.Load() {
		return 0, false
	}
	return o.store.Begin(), true
}

// commit reports whether u was published and whether the Orchestrator was live.
func (o *Orchestrator) commit(t session.Token, u *ApplicationUser) (committed, live bool) {
	o.lifeMu.RLock()
	defer o.lifeMu.RUnlock()

	if !o.live.Load() {
		return false, false
	}
	return o.store.Commit(t, u), true
}

func (o *Orchestrator) abandon(t session.Token) {
	o.lifeMu.RLock()
	defer o.lifeMu.RUnlock()

	if !o.live.Load() {
		return
	}
	o.store.Abandon(t)
}

func (o *Orchestrator) emitAudit(ctx context.Context, ev AuditEvent) {
	if o.audit == nil {
		return
	}
	o.audit.Emit(ctx, ev)
}
