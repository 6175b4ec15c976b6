// Package tasks turns changes of marker-typed documents into task
// lifecycle events and writes task outcomes back into the store.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/livinlefevreloca/docfeed/internal/changes"
	"github.com/livinlefevreloca/docfeed/internal/events"
	"github.com/livinlefevreloca/docfeed/internal/metrics"
	"github.com/livinlefevreloca/docfeed/internal/store"
)

// Task document fields
const (
	FieldError     = "$error"
	FieldUpdatedAt = "updatedAt"
)

// Config holds deriver settings
type Config struct {
	Marker        string        `toml:"marker"`
	RetryAttempts int           `toml:"retry_attempts"`
	RetryDelay    time.Duration `toml:"retry_delay"`
}

// DefaultConfig returns the default deriver settings
func DefaultConfig() Config {
	return Config{
		Marker:        DefaultMarker,
		RetryAttempts: 3,
		RetryDelay:    50 * time.Millisecond,
	}
}

// TaskError is the failure recorded on a task document.
type TaskError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Event is the payload of every task:* topic.
type Event struct {
	Transition string
	Type       string
	Database   string
	DocumentID string
	LocalID    string
	RevisionID string
	Document   store.Document
	// Error is set when the document carries a recorded failure.
	Error *TaskError
}

// Params holds the deriver's collaborators.
type Params struct {
	Client store.Client
	Bus    events.Publisher
	// Classifier defaults to a revision classifier for Config.Marker.
	Classifier Classifier
	Clock      clock.Clock
	Logger     *slog.Logger
	Metrics    *metrics.Collector
}

// Deriver publishes task events for task documents seen on the change
// stream and records task outcomes.
type Deriver struct {
	client   store.Client
	bus      events.Publisher
	classify Classifier
	config   Config
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Collector

	mu    sync.Mutex
	unsub func()
}

// New creates a deriver. It does nothing until Start.
func New(params Params, config Config) *Deriver {
	defaults := DefaultConfig()
	if config.Marker == "" {
		config.Marker = defaults.Marker
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = defaults.RetryAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if params.Classifier == nil {
		params.Classifier = NewRevisionClassifier(config.Marker)
	}
	if params.Clock == nil {
		params.Clock = clock.WallClock
	}

	return &Deriver{
		client:   params.Client,
		bus:      params.Bus,
		classify: params.Classifier,
		config:   config,
		clock:    params.Clock,
		logger:   params.Logger,
		metrics:  params.Metrics,
	}
}

// Start subscribes to the aggregated change stream.
func (d *Deriver) Start(sub events.Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsub != nil {
		return
	}
	d.unsub = sub.Subscribe(events.TopicChange, func(_ string, data any) {
		record, ok := data.(changes.Record)
		if !ok {
			d.logger.Warn("unexpected change payload", "type", fmt.Sprintf("%T", data))
			return
		}
		d.Handle(record)
	})
}

// Stop unsubscribes.
func (d *Deriver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsub != nil {
		d.unsub()
		d.unsub = nil
	}
}

// Handle classifies one change record and publishes its task events.
// Records that are not tasks are ignored.
func (d *Deriver) Handle(record changes.Record) {
	c, ok := d.classify(record)
	if !ok {
		return
	}

	event := Event{
		Transition: c.Transition,
		Type:       c.Type,
		Database:   record.Database,
		DocumentID: record.DocumentID,
		LocalID:    record.LocalID,
		RevisionID: record.RevisionID,
		Document:   record.Document,
		Error:      recordedError(record.Document),
	}

	d.publish(c.Transition, event)
	if c.Transition == events.TaskUpdate && event.Error != nil {
		failed := event
		failed.Transition = events.TaskFailed
		d.publish(events.TaskFailed, failed)
	}
}

func (d *Deriver) publish(transition string, event Event) {
	d.bus.Publish(events.TaskTopic(transition), event)
	d.bus.Publish(events.TaskTypeTopic(transition, event.Type), event)
	d.metrics.TaskEvent(transition)

	d.logger.Debug("task event",
		"transition", transition,
		"type", event.Type,
		"database", event.Database,
		"id", event.DocumentID,
		"rev", event.RevisionID)
}

// recordedError reads the $error field of a task document.
func recordedError(doc store.Document) *TaskError {
	raw, ok := doc[FieldError]
	if !ok || raw == nil {
		return nil
	}

	switch v := raw.(type) {
	case map[string]any:
		te := &TaskError{}
		te.Name, _ = v["name"].(string)
		te.Message, _ = v["message"].(string)
		return te
	case *TaskError:
		return v
	case TaskError:
		return &v
	case string:
		return &TaskError{Message: v}
	default:
		return &TaskError{}
	}
}

// =============================================================================
// Completion API
// =============================================================================

// ReportSuccess marks a task finished by deleting its document. The latest
// revision is fetched first and conflicts are retried with a fresh one. A
// document that is already gone counts as done.
func (d *Deriver) ReportSuccess(ctx context.Context, database string, task store.Document) error {
	id := taskID(task)
	err := d.writeTask(ctx, "success", database, id, func(doc store.Document) {
		doc[store.FieldDeleted] = true
		doc[FieldUpdatedAt] = d.now()
	})
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Debug("completed task already removed", "database", database, "id", id)
		return nil
	}
	return err
}

// ReportError records a task failure in the document's $error field.
func (d *Deriver) ReportError(ctx context.Context, database string, task store.Document, taskErr error) error {
	te := TaskError{Name: "Error", Message: "unknown error"}
	if taskErr != nil {
		te.Name = errorName(taskErr)
		te.Message = taskErr.Error()
	}

	return d.writeTask(ctx, "error", database, taskID(task), func(doc store.Document) {
		doc[FieldError] = map[string]any{
			"name":    te.Name,
			"message": te.Message,
		}
		doc[FieldUpdatedAt] = d.now()
	})
}

// taskID is the store id of a task: its _id, or type and id joined when
// the caller holds the task by its fields.
func taskID(task store.Document) string {
	if id := task.ID(); id != "" {
		return id
	}
	docType := task.String("type")
	if docType == "" {
		return ""
	}
	switch local := task["id"].(type) {
	case string:
		if local == "" {
			return ""
		}
		return store.JoinID(docType, local)
	case nil:
		return ""
	default:
		return store.JoinID(docType, fmt.Sprint(local))
	}
}

// writeTask re-reads the document, applies mutate and writes it back,
// retrying on conflict.
func (d *Deriver) writeTask(ctx context.Context, outcome, database, id string, mutate func(store.Document)) error {
	if id == "" {
		return errors.NotValidf("task without %s or type and id", store.FieldID)
	}

	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			doc, err := d.client.GetDocument(ctx, database, id)
			if err != nil {
				return errors.Trace(err)
			}
			mutate(doc)
			_, err = d.client.PutDocument(ctx, database, doc)
			return errors.Trace(err)
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, store.ErrConflict)
		},
		NotifyFunc: func(err error, attempt int) {
			lastErr = err
			d.logger.Debug("task write conflict",
				"database", database,
				"id", id,
				"attempt", attempt)
		},
		Attempts: d.config.RetryAttempts,
		Delay:    d.config.RetryDelay,
		Clock:    d.clock,
		Stop:     ctx.Done(),
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return err
	case retry.IsAttemptsExceeded(err):
		err = errors.Annotatef(lastErr, "recording %s of task %s/%s after %d attempts", outcome, database, id, d.config.RetryAttempts)
	case ctx.Err() != nil:
		err = errors.Annotatef(ctx.Err(), "recording %s of task %s/%s", outcome, database, id)
	default:
		err = errors.Annotatef(err, "recording %s of task %s/%s", outcome, database, id)
	}

	d.metrics.TaskWriteFailed(outcome)
	d.logger.Error("failed to record task outcome",
		"outcome", outcome,
		"database", database,
		"id", id,
		"error", err)
	return err
}

func (d *Deriver) now() string {
	return d.clock.Now().UTC().Format(time.RFC3339Nano)
}

// errorName uses the error's Name method when it has one.
func errorName(err error) string {
	type named interface{ Name() string }
	if n, ok := err.(named); ok {
		return n.Name()
	}
	return "Error"
}
