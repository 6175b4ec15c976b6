// Package lifecycle follows the store's database lifecycle feed and drives
// the change feed aggregator from it.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/livinlefevreloca/docfeed/internal/events"
	"github.com/livinlefevreloca/docfeed/internal/metrics"
	"github.com/livinlefevreloca/docfeed/internal/store"
)

// State is the listener's lifecycle state
type State int32

const (
	Idle State = iota
	Listening
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	default:
		return "unknown"
	}
}

// Aggregator is the part of the change feed aggregator the listener drives.
type Aggregator interface {
	PollAllDatabases(ctx context.Context) error
	Trigger(name string) bool
	Forget(ctx context.Context, name string) error
}

// Config holds listener settings
type Config struct {
	RetryDelay      time.Duration `toml:"retry_delay"`
	LongPollTimeout time.Duration `toml:"long_poll_timeout"`
}

// DefaultConfig returns the default listener settings
func DefaultConfig() Config {
	return Config{
		RetryDelay:      time.Second,
		LongPollTimeout: 60 * time.Second,
	}
}

// Params holds the listener's collaborators.
type Params struct {
	Client        store.Client
	Aggregator    Aggregator
	Bus           events.Publisher
	AdminDatabase string
	Clock         clock.Clock
	Logger        *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Collector
}

// Validate checks that every required collaborator is set.
func (p Params) Validate() error {
	if p.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if p.Aggregator == nil {
		return errors.NotValidf("nil Aggregator")
	}
	if p.Bus == nil {
		return errors.NotValidf("nil Bus")
	}
	if p.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Listener long-polls the lifecycle feed one request at a time. Created and
// deleted databases are announced on the bus; updated databases get a
// targeted poll.
type Listener struct {
	params  Params
	config  Config
	state   atomic.Int32
	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates an idle listener.
func New(params Params, config Config) (*Listener, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if params.Clock == nil {
		params.Clock = clock.WallClock
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultConfig().RetryDelay
	}
	if config.LongPollTimeout <= 0 {
		config.LongPollTimeout = DefaultConfig().LongPollTimeout
	}
	return &Listener{params: params, config: config}, nil
}

// State returns the current state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Run follows the lifecycle feed until ctx is done. It starts from the
// feed's current position and kicks off one full poll of every database in
// the background.
func (l *Listener) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("lifecycle listener already running")
	}
	defer l.running.Store(false)
	defer l.wg.Wait()

	logger := l.params.Logger

	since, ok := l.currentPosition(ctx)
	if !ok {
		return nil
	}

	l.state.Store(int32(Listening))
	defer l.state.Store(int32(Idle))
	logger.Info("lifecycle listener started", "since", since)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.params.Aggregator.PollAllDatabases(ctx); err != nil {
			logger.Warn("initial poll failed", "error", err)
		}
	}()

	for ctx.Err() == nil {
		res, err := l.params.Client.DatabaseUpdates(ctx, store.UpdatesOptions{
			Since:   since,
			Timeout: l.config.LongPollTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			l.params.Metrics.ListenerError()
			logger.Warn("lifecycle long-poll failed",
				"since", since,
				"retry_in", l.config.RetryDelay,
				"error", err)
			if !l.sleep(ctx) {
				break
			}
			continue
		}

		for _, update := range res.Updates {
			l.handle(ctx, update)
		}
		if res.LastSeq != "" {
			since = res.LastSeq
		}
	}

	logger.Info("lifecycle listener stopped", "since", since)
	return nil
}

// currentPosition asks for the end of the feed without waiting. It reports
// false when ctx ended first.
func (l *Listener) currentPosition(ctx context.Context) (string, bool) {
	for {
		res, err := l.params.Client.DatabaseUpdates(ctx, store.UpdatesOptions{Since: store.SinceNow})
		if err == nil {
			return res.LastSeq, true
		}
		if ctx.Err() != nil {
			return "", false
		}

		l.params.Metrics.ListenerError()
		l.params.Logger.Warn("failed to read lifecycle position",
			"retry_in", l.config.RetryDelay,
			"error", err)
		if !l.sleep(ctx) {
			return "", false
		}
	}
}

func (l *Listener) sleep(ctx context.Context) bool {
	select {
	case <-l.params.Clock.After(l.config.RetryDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Listener) handle(ctx context.Context, update store.DatabaseUpdate) {
	logger := l.params.Logger

	if update.Database == "" || !update.Type.Valid() {
		logger.Debug("ignoring malformed lifecycle notification",
			"database", update.Database,
			"type", string(update.Type))
		return
	}
	if update.Database == l.params.AdminDatabase {
		return
	}
	l.params.Metrics.LifecycleUpdate(string(update.Type))

	switch update.Type {
	case store.DatabaseCreated:
		logger.Info("database added", "database", update.Database)
		l.params.Bus.Publish(events.TopicDatabaseAdded, events.DatabaseEvent{Database: update.Database})

	case store.DatabaseDeleted:
		logger.Info("database removed", "database", update.Database)
		l.params.Bus.Publish(events.TopicDatabaseRemoved, events.DatabaseEvent{Database: update.Database})
		if err := l.params.Aggregator.Forget(ctx, update.Database); err != nil {
			logger.Warn("failed to forget database",
				"database", update.Database,
				"error", err)
		}

	case store.DatabaseUpdated:
		l.params.Aggregator.Trigger(update.Database)
	}
}
