// Package changes merges the change logs of every database in the store
// into one ordered, checkpointed event stream.
package changes

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"golang.org/x/sync/semaphore"

	"github.com/livinlefevreloca/docfeed/internal/checkpoint"
	"github.com/livinlefevreloca/docfeed/internal/events"
	"github.com/livinlefevreloca/docfeed/internal/inbox"
	"github.com/livinlefevreloca/docfeed/internal/metrics"
	"github.com/livinlefevreloca/docfeed/internal/store"
)

// Config holds aggregator settings
type Config struct {
	// AdminDatabase holds the checkpoints and is never polled.
	AdminDatabase string `toml:"admin_database"`
	// FanOut bounds how many databases are polled at once.
	FanOut          int           `toml:"fan_out"`
	InboxBufferSize int           `toml:"inbox_buffer_size"`
	TriggerTimeout  time.Duration `toml:"trigger_timeout"`
}

// DefaultConfig returns the default aggregator settings
func DefaultConfig() Config {
	return Config{
		AdminDatabase:   checkpoint.DefaultAdminDatabase,
		FanOut:          4,
		InboxBufferSize: 1000,
		TriggerTimeout:  100 * time.Millisecond,
	}
}

// PollResult describes one PollDatabase pass.
type PollResult struct {
	Database string
	Since    string
	LastSeq  string
	Emitted  int
	// Stale counts entries at or before the checkpoint.
	Stale     int
	Malformed int
	// Committed is set when the checkpoint was advanced.
	Committed bool
}

// Aggregator polls databases and publishes their changes. Polls of one
// database are serialized; different databases run in parallel up to
// Config.FanOut. Within a database records are published in store order
// and the checkpoint is written only after the whole batch.
type Aggregator struct {
	client      store.Client
	checkpoints *checkpoint.Store
	bus         events.Publisher
	config      Config
	logger      *slog.Logger
	metrics     *metrics.Collector
	clock       clock.Clock

	sem      *semaphore.Weighted
	locks    *kmutex.Kmutex
	triggers *inbox.Inbox[string]

	mu      sync.Mutex
	cursors map[string]string
	pending map[string]bool
	// verified holds databases whose stored checkpoint was checked against
	// the database's creation time.
	verified map[string]bool
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates an aggregator. m may be nil.
func New(client store.Client, checkpoints *checkpoint.Store, bus events.Publisher, config Config, logger *slog.Logger, m *metrics.Collector) *Aggregator {
	if config.AdminDatabase == "" {
		config.AdminDatabase = checkpoints.AdminDatabase()
	}
	if config.FanOut <= 0 {
		config.FanOut = 1
	}
	if config.InboxBufferSize <= 0 {
		config.InboxBufferSize = DefaultConfig().InboxBufferSize
	}
	if config.TriggerTimeout <= 0 {
		config.TriggerTimeout = DefaultConfig().TriggerTimeout
	}

	return &Aggregator{
		client:      client,
		checkpoints: checkpoints,
		bus:         bus,
		config:      config,
		logger:      logger,
		metrics:     m,
		clock:       clock.WallClock,
		sem:         semaphore.NewWeighted(int64(config.FanOut)),
		locks:       kmutex.New(),
		triggers:    inbox.New[string](config.InboxBufferSize, config.TriggerTimeout, logger),
		cursors:     make(map[string]string),
		pending:     make(map[string]bool),
		verified:    make(map[string]bool),
		runCtx:      context.Background(),
	}
}

// =============================================================================
// Polling
// =============================================================================

// PollAllDatabases polls every database except the administrative one.
// Failures of single databases are logged and do not stop the others; only
// a failure to list the databases is returned.
func (a *Aggregator) PollAllDatabases(ctx context.Context) error {
	names, err := a.client.ListDatabases(ctx)
	if err != nil {
		return errors.Annotate(err, "listing databases")
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for _, name := range names {
		if name == a.config.AdminDatabase {
			continue
		}
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return errors.Trace(err)
		}

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer a.sem.Release(1)
			a.pollLogged(ctx, name)
		}(name)
	}
	return nil
}

// PollDatabase publishes every change of name past its checkpoint and then
// advances the checkpoint to the batch's last sequence.
func (a *Aggregator) PollDatabase(ctx context.Context, name string) (PollResult, error) {
	a.locks.Lock(name)
	defer a.locks.Unlock(name)

	start := a.clock.Now()
	result, err := a.poll(ctx, name)
	if err != nil {
		a.metrics.PollFailed()
		return result, err
	}
	a.metrics.PollSucceeded(name, result.Emitted, a.clock.Now().Sub(start))
	return result, nil
}

func (a *Aggregator) poll(ctx context.Context, name string) (PollResult, error) {
	since, err := a.startingPoint(ctx, name)
	if err != nil {
		return PollResult{Database: name}, err
	}
	result := PollResult{Database: name, Since: since}

	it, err := a.client.Changes(ctx, name, store.ChangesOptions{Since: since, IncludeDocs: true})
	if err != nil {
		return result, errors.Annotatef(err, "reading changes of %s", name)
	}
	defer it.Close()

	highest := since
	var delivered []func()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return result, errors.Trace(err)
		}

		change := it.Change()
		if store.CompareSeq(change.Seq, since) <= 0 {
			// A lagging replica can serve entries we already published
			result.Stale++
			a.metrics.ChangeSkipped("stale")
			continue
		}
		if store.CompareSeq(change.Seq, highest) > 0 {
			highest = change.Seq
		}

		record, err := Normalize(name, change)
		if err != nil {
			result.Malformed++
			a.metrics.ChangeSkipped("malformed")
			a.logger.Warn("skipping malformed change",
				"database", name,
				"seq", change.Seq,
				"error", err)
			continue
		}

		delivered = append(delivered, a.publish(record)...)
		result.Emitted++
	}
	if err := it.Err(); err != nil {
		return result, errors.Annotatef(err, "reading changes of %s", name)
	}

	result.LastSeq = it.LastSeq()
	if store.CompareSeq(highest, result.LastSeq) > 0 {
		result.LastSeq = highest
	}
	if result.LastSeq == "" || store.CompareSeq(result.LastSeq, since) <= 0 {
		return result, nil
	}

	// Subscribers must have handled the batch before it is committed
	if err := waitDelivered(ctx, delivered); err != nil {
		return result, errors.Annotatef(err, "delivering changes of %s", name)
	}

	written, err := a.checkpoints.Set(ctx, name, result.LastSeq)
	if err != nil {
		a.logger.Error("failed to commit checkpoint",
			"database", name,
			"seq", result.LastSeq,
			"error", err)
		return result, errors.Trace(err)
	}
	if written {
		result.Committed = true
		a.metrics.CheckpointAdvanced(name)
	}
	a.setCursor(name, result.LastSeq)

	a.logger.Debug("polled database",
		"database", name,
		"since", since,
		"last_seq", result.LastSeq,
		"emitted", result.Emitted,
		"stale", result.Stale)
	return result, nil
}

// startingPoint is the stored checkpoint, or the in-memory cursor when that
// is further along.
func (a *Aggregator) startingPoint(ctx context.Context, name string) (string, error) {
	since := ""
	cp, err := a.checkpoints.Get(ctx, name)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return "", errors.Trace(err)
	default:
		since = cp.Seq
	}

	if since != "" {
		stale, err := a.predatesDatabase(ctx, cp)
		if err != nil {
			return "", errors.Trace(err)
		}
		if stale {
			a.logger.Info("database was re-created, restarting from the start of its log",
				"database", name,
				"checkpoint", cp.Seq,
				"checkpoint_updated_at", cp.UpdatedAt)
			if err := a.checkpoints.Delete(ctx, name); err != nil {
				return "", errors.Trace(err)
			}
			a.mu.Lock()
			delete(a.cursors, name)
			a.mu.Unlock()
			return "", nil
		}
	}

	if cursor, ok := a.Cursor(name); ok && store.CompareSeq(cursor, since) > 0 {
		since = cursor
	}
	return since, nil
}

// predatesDatabase reports whether cp was written before its database was
// last created, which happens when the database is deleted and created
// again while nothing is listening. Each database is checked once per
// process; later deletions arrive through Forget.
func (a *Aggregator) predatesDatabase(ctx context.Context, cp checkpoint.Checkpoint) (bool, error) {
	times, ok := a.client.(store.CreationTimes)
	if !ok || cp.UpdatedAt.IsZero() {
		return false, nil
	}

	a.mu.Lock()
	done := a.verified[cp.Database]
	a.mu.Unlock()
	if done {
		return false, nil
	}

	created, err := times.DatabaseCreatedAt(ctx, cp.Database)
	if err != nil {
		return false, errors.Annotatef(err, "reading creation time of %s", cp.Database)
	}

	a.mu.Lock()
	a.verified[cp.Database] = true
	a.mu.Unlock()
	return created.After(cp.UpdatedAt), nil
}

func (a *Aggregator) publish(record Record) []func() {
	return []func(){
		a.bus.Publish(events.TopicChange, record),
		a.bus.Publish(events.ChangeTopic(record.Database), record),
		a.bus.Publish(events.ChangeTypeTopic(record.Database, record.DocumentType), record),
	}
}

// waitDelivered calls every wait function, giving up when ctx is done.
func waitDelivered(ctx context.Context, waits []func()) error {
	if len(waits) == 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, wait := range waits {
			wait()
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

func (a *Aggregator) pollLogged(ctx context.Context, name string) {
	if _, err := a.PollDatabase(ctx, name); err != nil {
		a.logger.Warn("poll failed",
			"database", name,
			"error", err)
	}
}

// =============================================================================
// Cursors
// =============================================================================

// Cursor returns the last sequence committed for name by this process.
func (a *Aggregator) Cursor(name string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	seq, ok := a.cursors[name]
	return seq, ok
}

// Cursors returns a copy of every in-memory cursor.
func (a *Aggregator) Cursors() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.cursors))
	for k, v := range a.cursors {
		out[k] = v
	}
	return out
}

// Forget drops the checkpoint and cursor of a deleted database. A poll of
// name already in flight finishes first.
func (a *Aggregator) Forget(ctx context.Context, name string) error {
	a.locks.Lock(name)
	defer a.locks.Unlock(name)

	a.mu.Lock()
	delete(a.cursors, name)
	delete(a.verified, name)
	a.mu.Unlock()

	if err := a.checkpoints.Delete(ctx, name); err != nil {
		return errors.Annotatef(err, "dropping checkpoint of %s", name)
	}
	return nil
}

func (a *Aggregator) setCursor(name, seq string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if store.CompareSeq(seq, a.cursors[name]) > 0 {
		a.cursors[name] = seq
	}
}

// =============================================================================
// Triggered polls
// =============================================================================

// Trigger queues a poll of name for the worker pool. A database already
// queued is not queued twice. It reports false when the queue stayed full
// for the trigger timeout and the request was dropped.
func (a *Aggregator) Trigger(name string) bool {
	a.mu.Lock()
	if a.pending[name] {
		a.mu.Unlock()
		return true
	}
	a.pending[name] = true
	ctx := a.runCtx
	a.mu.Unlock()

	if !a.triggers.Send(ctx, name) {
		a.mu.Lock()
		delete(a.pending, name)
		a.mu.Unlock()

		a.metrics.TriggerDropped()
		a.logger.Warn("poll trigger dropped", "database", name)
		return false
	}
	a.metrics.SetTriggerQueueDepth(a.triggers.Len())
	return true
}

// Start runs Config.FanOut workers draining the trigger queue until
// Shutdown or ctx is done.
func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	a.runCtx, a.cancel = context.WithCancel(ctx)
	runCtx := a.runCtx
	a.mu.Unlock()

	for i := 0; i < a.config.FanOut; i++ {
		a.wg.Add(1)
		go a.worker(runCtx)
	}
	a.logger.Info("aggregator started", "workers", a.config.FanOut)
}

// Shutdown stops the workers and waits for in-flight polls.
func (a *Aggregator) Shutdown() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	a.triggers.Close()
	a.wg.Wait()

	stats := a.triggers.GetStats()
	a.logger.Info("aggregator stopped",
		"triggers_received", stats.TotalReceived,
		"triggers_dropped", stats.TimeoutCount,
		"max_queue_depth", stats.MaxDepthSeen)
}

// QueueStats returns the trigger queue statistics.
func (a *Aggregator) QueueStats() inbox.Stats {
	return a.triggers.GetStats()
}

func (a *Aggregator) worker(ctx context.Context) {
	defer a.wg.Done()

	for {
		name, ok := a.triggers.Receive(ctx)
		if !ok {
			return
		}

		// Updates arriving from here on queue a fresh poll
		a.mu.Lock()
		delete(a.pending, name)
		a.mu.Unlock()
		a.metrics.SetTriggerQueueDepth(a.triggers.Len())

		if err := a.sem.Acquire(ctx, 1); err != nil {
			return
		}
		a.pollLogged(ctx, name)
		a.sem.Release(1)
	}
}
