package casesync

import (
	"context"
	"os"
	"sync"

	"github.com/openfield-dev/casesync/internal/db"
	"github.com/openfield-dev/casesync/internal/errors"
	"github.com/openfield-dev/casesync/internal/logging"
	"github.com/openfield-dev/casesync/internal/models"
	"github.com/openfield-dev/casesync/internal/netmon"
	syncpkg "github.com/openfield-dev/casesync/internal/sync"
	"github.com/openfield-dev/casesync/internal/sync/channel"
	"github.com/openfield-dev/casesync/internal/sync/drain"
	"github.com/openfield-dev/casesync/internal/sync/queue"
	"github.com/openfield-dev/casesync/internal/sync/remote"
)

// ObserverFunc receives record notifications.
type ObserverFunc func(Notification)

// EventFunc receives non-entity channel events (notifications and
// degradation signals).
type EventFunc func(ChannelEvent)

type recordObserver struct {
	kind string // empty observes all kinds
	fn   ObserverFunc
}

// Engine is the casesync composition root. It owns the local store,
// the pending operation queue, the remote client, the realtime channel
// and the reconciliation engine, and hands out per-kind repositories.
type Engine struct {
	cfg Config

	database   *db.DB
	store      *db.Store
	queue      *queue.Queue
	remote     *remote.Client
	reconciler *syncpkg.Reconciler
	monitor    *netmon.Monitor
	channel    *channel.Channel // nil when the channel is disabled
	drainer    *drain.Drainer

	mu            sync.RWMutex
	observers     map[int]recordObserver
	eventObs      map[int]EventFunc
	nextObs       int
	onAuthExpired func()
	started       bool
	closed        bool

	baseCtx context.Context
	cancel  context.CancelFunc

	// Record notifications queue losslessly; notifyCh only signals the
	// dispatcher that the queue is non-empty.
	notifyMu sync.Mutex
	notifyQ  []Notification
	notifyCh chan struct{}

	// Background refreshes run on a bounded pool, with at most one
	// in-flight refresh per key.
	refreshSem chan struct{}
	refreshMu  sync.Mutex
	refreshing map[string]bool

	events chan ChannelEvent
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an Engine from the configuration: opens the local store,
// applies migrations and wires the sync components. Call Start to
// begin syncing.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.Init(os.Stderr, cfg.LogLevel)

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := db.NewMigrator(database.DB).Apply(); err != nil {
		database.Close()
		return nil, errors.Wrap(errors.ErrMigration, "schema migration failed", err)
	}

	e := &Engine{
		cfg:        cfg,
		database:   database,
		store:      db.NewStore(database),
		observers:  make(map[int]recordObserver),
		eventObs:   make(map[int]EventFunc),
		notifyCh:   make(chan struct{}, 1),
		refreshSem: make(chan struct{}, refreshWorkers),
		refreshing: make(map[string]bool),
		events:     make(chan ChannelEvent, 64),
		stopCh:     make(chan struct{}),
	}

	e.reconciler = syncpkg.NewReconciler(e.store, e.enqueueNotification)

	e.queue = queue.New(database, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseBackoff: seconds(cfg.Queue.BaseBackoffSeconds),
		MaxBackoff:  seconds(cfg.Queue.MaxBackoffSeconds),
	})
	e.queue.OnPermanentFailure(func(op *PendingOperation) {
		if op.OperationType == models.OperationDelete || op.OperationType == models.OperationCustom {
			return
		}
		if err := e.reconciler.MarkSyncFailed(op.Kind, op.RecordRef); err != nil {
			logging.Error("Failed to flag record after permanent failure", err,
				map[string]interface{}{"record_ref": op.RecordRef})
		}
	})

	e.remote = remote.NewClient(remote.Config{
		BaseURL:   cfg.Remote.BaseURL,
		AuthToken: cfg.Remote.AuthToken,
		Timeout:   seconds(cfg.Remote.TimeoutSeconds),
	})

	probeURL := cfg.Network.ProbeURL
	if probeURL == "" {
		probeURL = cfg.Remote.BaseURL + "/health"
	}
	e.monitor = netmon.NewMonitor(probeURL, seconds(cfg.Network.IntervalSeconds))

	e.drainer = drain.New(e.queue, e.remote, e.reconciler, e.monitor, drain.Options{
		Interval:  seconds(cfg.Drain.IntervalSeconds),
		BatchSize: cfg.Drain.BatchSize,
		Workers:   cfg.Drain.Workers,
	})
	e.drainer.OnAuthExpired(func() {
		e.mu.RLock()
		fn := e.onAuthExpired
		e.mu.RUnlock()
		if fn != nil {
			fn()
		}
	})

	if cfg.Channel.URL != "" {
		e.channel = channel.New(channel.Config{
			URL:                  cfg.Channel.URL,
			UserID:               cfg.Channel.UserID,
			Role:                 cfg.Channel.Role,
			InitialBackoff:       seconds(cfg.Channel.InitialBackoffSeconds),
			MaxBackoff:           seconds(cfg.Channel.MaxBackoffSeconds),
			MaxReconnectAttempts: cfg.Channel.MaxReconnectAttempts,
			PingInterval:         seconds(cfg.Channel.PingIntervalSeconds),
		})
	}

	return e, nil
}

// Start begins syncing: recovers stranded operations, starts the
// reachability monitor, the drain worker and the realtime channel.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return errors.New(errors.ErrInternal, "engine already started or closed")
	}
	e.started = true
	e.baseCtx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if _, err := e.queue.RecoverInFlight(e.baseCtx); err != nil {
		return err
	}

	e.wg.Add(1)
	go e.dispatchLoop()

	// Drain immediately on reconnect instead of waiting out the ticker.
	e.monitor.OnChange(func(reachable bool) {
		if reachable {
			e.drainer.Kick()
		}
	})
	e.monitor.Start(e.baseCtx)
	e.drainer.Start(e.baseCtx)

	if e.channel != nil {
		e.channel.AddObserver(func(ev models.ChannelEvent) {
			if ev.IsEntityUpdate() {
				e.reconciler.HandleEvent(ev)
				return
			}
			select {
			case e.events <- ev:
			case <-e.stopCh:
			}
		})
		e.channel.Start()
	}

	logging.Info("Sync engine started",
		map[string]interface{}{
			"data_dir":        e.cfg.DataDir,
			"channel_enabled": e.channel != nil,
		})
	return nil
}

// Close shuts the engine down and releases the local store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	started := e.started
	e.mu.Unlock()

	if started {
		if e.channel != nil {
			e.channel.Close()
		}
		e.drainer.Stop()
		e.monitor.Stop()
		close(e.stopCh)
		cancel()
		e.wg.Wait()
	}

	e.store.Close()
	return e.database.Close()
}

// Repo returns the repository for a record kind. The realtime
// subscription for the kind is registered as a side effect.
func (e *Engine) Repo(kind string) *Repository {
	if e.channel != nil {
		e.channel.Subscribe(kind)
	}
	return &Repository{engine: e, kind: kind}
}

// ChannelState returns the realtime channel's connection state.
func (e *Engine) ChannelState() ConnectionState {
	if e.channel == nil {
		return ConnectionDisconnected
	}
	return e.channel.State()
}

// Reachable reports cached remote reachability.
func (e *Engine) Reachable() bool {
	return e.monitor.Reachable()
}

// QueueStats returns pending operation counters by status.
func (e *Engine) QueueStats(ctx context.Context) (map[string]int, error) {
	return e.queue.Stats(ctx)
}

// FailedOperations lists permanently failed operations awaiting a
// consumer decision.
func (e *Engine) FailedOperations(ctx context.Context) ([]*PendingOperation, error) {
	return e.queue.ListByStatus(ctx, models.OperationStatusFailed)
}

// RetryOperation resets a permanently failed operation for another
// round of attempts and kicks the drain worker.
func (e *Engine) RetryOperation(ctx context.Context, id UUID) error {
	if err := e.queue.Retry(ctx, id); err != nil {
		return err
	}
	op, err := e.queue.Get(ctx, id)
	if err == nil && op.OperationType != models.OperationDelete && op.OperationType != models.OperationCustom {
		if err := e.reconciler.MarkRetrying(op.Kind, op.RecordRef); err != nil {
			logging.Error("Failed to reset record status for retry", err,
				map[string]interface{}{"record_ref": op.RecordRef})
		}
	}
	e.drainer.Kick()
	return nil
}

// ConflictLogs returns the conflict audit trail for a record.
func (e *Engine) ConflictLogs(recordID UUID) ([]*ConflictLog, error) {
	return e.store.ListConflictLogs(recordID)
}

// Observe registers a record observer for a kind; an empty kind
// observes every kind. Returns the observer id for Unobserve.
func (e *Engine) Observe(kind string, fn ObserverFunc) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = recordObserver{kind: kind, fn: fn}
	return id
}

// Unobserve removes a record observer.
func (e *Engine) Unobserve(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.observers, id)
}

// ObserveEvents registers an observer for non-entity channel events:
// server notifications and channel degradation.
func (e *Engine) ObserveEvents(fn EventFunc) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextObs
	e.nextObs++
	e.eventObs[id] = fn
	return id
}

// UnobserveEvents removes an event observer.
func (e *Engine) UnobserveEvents(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.eventObs, id)
}

// OnAuthExpired registers a handler invoked when the remote store
// rejects the auth session. Queued operations are held, not failed,
// until the consumer refreshes credentials.
func (e *Engine) OnAuthExpired(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onAuthExpired = fn
}

// ctx returns the engine's base context for background work. Falls
// back to Background before Start.
func (e *Engine) ctx() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.baseCtx == nil {
		return context.Background()
	}
	return e.baseCtx
}

// refreshWorkers bounds how many background refreshes may block on
// remote I/O at once.
const refreshWorkers = 4

// startRefresh runs fn on the background-refresh pool. A refresh whose
// key is already in flight is dropped; the running one covers it.
func (e *Engine) startRefresh(key string, fn func(context.Context)) {
	e.refreshMu.Lock()
	if e.refreshing[key] {
		e.refreshMu.Unlock()
		return
	}
	e.refreshing[key] = true
	e.refreshMu.Unlock()

	go func() {
		defer func() {
			e.refreshMu.Lock()
			delete(e.refreshing, key)
			e.refreshMu.Unlock()
		}()

		ctx := e.ctx()
		select {
		case e.refreshSem <- struct{}{}:
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		}
		defer func() { <-e.refreshSem }()

		fn(ctx)
	}()
}

// enqueueNotification hands a record notification to the dispatcher.
// The reconciler calls this while holding the record's lock, so the
// append never blocks, every notification is retained, and observers
// run on a separate goroutine where they may safely call back into the
// engine.
func (e *Engine) enqueueNotification(n Notification) {
	e.notifyMu.Lock()
	e.notifyQ = append(e.notifyQ, n)
	e.notifyMu.Unlock()

	select {
	case e.notifyCh <- struct{}{}:
	default:
	}
}

func (e *Engine) dispatchLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case <-e.notifyCh:
			for {
				e.notifyMu.Lock()
				batch := e.notifyQ
				e.notifyQ = nil
				e.notifyMu.Unlock()
				if len(batch) == 0 {
					break
				}
				for _, n := range batch {
					e.dispatchNotification(n)
				}
			}
		case ev := <-e.events:
			e.mu.RLock()
			fns := make([]EventFunc, 0, len(e.eventObs))
			for _, fn := range e.eventObs {
				fns = append(fns, fn)
			}
			e.mu.RUnlock()
			for _, fn := range fns {
				fn(ev)
			}
		}
	}
}

func (e *Engine) dispatchNotification(n Notification) {
	e.mu.RLock()
	fns := make([]ObserverFunc, 0, len(e.observers))
	for _, obs := range e.observers {
		if obs.kind == "" || obs.kind == n.Kind {
			fns = append(fns, obs.fn)
		}
	}
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
}
