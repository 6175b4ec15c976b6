// Package events carries change and task notifications between the
// aggregator, the task deriver and their consumers over an in-process hub.
package events

import (
	"strings"

	"github.com/juju/pubsub/v2"
)

// Topics
const (
	TopicChange          = "change"
	TopicDatabaseAdded   = "database:added"
	TopicDatabaseRemoved = "database:removed"

	topicTaskPrefix = "task"
	separator       = ":"
)

// Task transitions
const (
	TaskStart   = "start"
	TaskUpdate  = "update"
	TaskRemoved = "removed"
	TaskFailed  = "failed"
)

// ChangeTopic is the per-database change topic, "change:{db}".
func ChangeTopic(database string) string {
	return TopicChange + separator + database
}

// ChangeTypeTopic is the per-database, per-type change topic,
// "change:{db}:{type}".
func ChangeTypeTopic(database, docType string) string {
	return ChangeTopic(database) + separator + docType
}

// TaskTopic is "task:{transition}".
func TaskTopic(transition string) string {
	return topicTaskPrefix + separator + transition
}

// TaskTypeTopic is "task:{transition}:{type}".
func TaskTypeTopic(transition, taskType string) string {
	return TaskTopic(transition) + separator + taskType
}

// MatchPrefix matches every topic equal to prefix or below it.
func MatchPrefix(prefix string) func(string) bool {
	return func(topic string) bool {
		return topic == prefix || strings.HasPrefix(topic, prefix+separator)
	}
}

// DatabaseEvent is the payload of database:added and database:removed.
type DatabaseEvent struct {
	Database string
}

// Publisher publishes a payload on a topic. The returned function blocks
// until every subscriber has handled it.
type Publisher interface {
	Publish(topic string, data any) func()
}

// Subscriber registers handlers on topics. The returned function
// unsubscribes.
type Subscriber interface {
	Subscribe(topic string, handler func(topic string, data any)) func()
	SubscribeMatch(match func(topic string) bool, handler func(topic string, data any)) func()
}

// Bus is the in-process hub. Every subscriber sees events in the order they
// were published.
type Bus struct {
	hub *pubsub.SimpleHub
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{})}
}

// Publish queues data for every subscriber of topic and returns without
// waiting for handlers. Call the returned function to wait for them.
func (b *Bus) Publish(topic string, data any) func() {
	return b.hub.Publish(topic, data)
}

// Subscribe registers handler for an exact topic.
func (b *Bus) Subscribe(topic string, handler func(topic string, data any)) func() {
	return b.hub.Subscribe(topic, handler)
}

// SubscribeMatch registers handler for every topic accepted by match.
func (b *Bus) SubscribeMatch(match func(topic string) bool, handler func(topic string, data any)) func() {
	return b.hub.SubscribeMatch(match, handler)
}
