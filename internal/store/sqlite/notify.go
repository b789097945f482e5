package sqlite

import (
	"sync"

	"github.com/skiffchat/skiff/internal/store"
)

// notifier tracks change subscribers per topic and wakes them on publish.
// Each subscriber owns a buffered signal channel of capacity one, so bursts
// of writes coalesce into a single re-query instead of queueing.
type notifier struct {
	mu     sync.RWMutex
	topics map[string]map[int]chan struct{}
	next   int
}

func newNotifier() *notifier {
	return &notifier{topics: make(map[string]map[int]chan struct{})}
}

// subscribe registers a signal channel for the topic. The returned disposer
// is idempotent.
func (n *notifier) subscribe(topic string) (<-chan struct{}, store.CancelFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.topics[topic]; !ok {
		n.topics[topic] = make(map[int]chan struct{})
	}
	id := n.next
	n.next++
	ch := make(chan struct{}, 1)
	n.topics[topic][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if subscribers, ok := n.topics[topic]; ok {
				delete(subscribers, id)
				if len(subscribers) == 0 {
					delete(n.topics, topic)
				}
			}
		})
	}
	return ch, cancel
}

// publish wakes every subscriber of the topic.
func (n *notifier) publish(topics ...string) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, topic := range topics {
		for _, ch := range n.topics[topic] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

func userRoomsTopic(userID string) string {
	return "rooms:" + userID
}

func roomMessagesTopic(roomID string) string {
	return "messages:" + roomID
}
