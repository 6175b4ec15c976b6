package tasks

import (
	"strings"

	"github.com/livinlefevreloca/docfeed/internal/changes"
	"github.com/livinlefevreloca/docfeed/internal/events"
	"github.com/livinlefevreloca/docfeed/internal/store"
)

// DefaultMarker prefixes the document type of task documents.
const DefaultMarker = "$"

// Classification is the task transition a change represents.
type Classification struct {
	// Transition is one of events.TaskStart, events.TaskUpdate or
	// events.TaskRemoved.
	Transition string
	// Type is the document type without the marker.
	Type string
}

// Classifier maps a change record to a task transition. ok is false for
// records that are not task documents.
type Classifier func(record changes.Record) (c Classification, ok bool)

// ClassifyByRevision classifies "$"-marked documents by their revision
// generation.
var ClassifyByRevision = NewRevisionClassifier(DefaultMarker)

// NewRevisionClassifier returns a classifier for documents whose type
// starts with marker. Deletions are removals, first revisions are starts
// and every later revision is an update.
func NewRevisionClassifier(marker string) Classifier {
	return func(record changes.Record) (Classification, bool) {
		if !strings.HasPrefix(record.DocumentType, marker) {
			return Classification{}, false
		}
		taskType := strings.TrimPrefix(record.DocumentType, marker)
		if taskType == "" {
			return Classification{}, false
		}

		c := Classification{Type: taskType, Transition: events.TaskUpdate}
		switch {
		case record.Deleted:
			c.Transition = events.TaskRemoved
		case isFirstRevision(record.RevisionID):
			c.Transition = events.TaskStart
		}
		return c, true
	}
}

func isFirstRevision(rev string) bool {
	gen, err := store.RevGeneration(rev)
	return err == nil && gen == 1
}
