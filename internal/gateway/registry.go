package gateway

import "sync"

// Registry maps topics to the connections subscribed to them. A reverse map
// keeps disconnect cleanup proportional to the topics the connection joined
// instead of every topic in the process.
//
// The Registry stores only connection ids; the Manager owns the connections
// themselves and removes a closing connection from the Registry as part of
// the same close operation.
type Registry struct {
	mu sync.RWMutex

	connectionsByTopic map[string]map[string]struct{}
	topicsByConnection map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		connectionsByTopic: make(map[string]map[string]struct{}),
		topicsByConnection: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds the connection to the topic's set. Subscribing twice is a
// no-op.
func (r *Registry) Subscribe(connectionId string, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connectionsByTopic[topic]; !ok {
		r.connectionsByTopic[topic] = make(map[string]struct{})
	}
	r.connectionsByTopic[topic][connectionId] = struct{}{}

	if _, ok := r.topicsByConnection[connectionId]; !ok {
		r.topicsByConnection[connectionId] = make(map[string]struct{})
	}
	r.topicsByConnection[connectionId][topic] = struct{}{}
}

// Unsubscribe removes the connection from the topic's set, pruning the topic
// entry when its set becomes empty. Unsubscribing from a topic the connection
// never joined is a no-op.
func (r *Registry) Unsubscribe(connectionId string, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unsubscribeLocked(connectionId, topic)
}

// RemoveConnection removes the connection from every topic it belonged to.
// The Manager calls it exactly once, from the close path.
func (r *Registry) RemoveConnection(connectionId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for topic := range r.topicsByConnection[connectionId] {
		r.unsubscribeLocked(connectionId, topic)
	}
}

func (r *Registry) unsubscribeLocked(connectionId string, topic string) {
	connectionTopics, ok := r.topicsByConnection[connectionId]
	if ok {
		delete(connectionTopics, topic)
		if len(connectionTopics) == 0 {
			delete(r.topicsByConnection, connectionId)
		}
	}

	topicConnections, ok := r.connectionsByTopic[topic]
	if ok {
		delete(topicConnections, connectionId)
		if len(topicConnections) == 0 {
			delete(r.connectionsByTopic, topic)
		}
	}
}

// FanoutTargets returns a snapshot of the connection ids subscribed to the
// topic. Callers deliver to the snapshot without holding the registry lock,
// so fan-out never blocks subscribe and unsubscribe traffic.
func (r *Registry) FanoutTargets(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connectionIds, ok := r.connectionsByTopic[topic]
	if !ok {
		return nil
	}

	targets := make([]string, 0, len(connectionIds))
	for connectionId := range connectionIds {
		targets = append(targets, connectionId)
	}

	return targets
}

// Topics returns a snapshot of the topics the connection is subscribed to.
func (r *Registry) Topics(connectionId string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topicSet, ok := r.topicsByConnection[connectionId]
	if !ok {
		return nil
	}

	topics := make([]string, 0, len(topicSet))
	for topic := range topicSet {
		topics = append(topics, topic)
	}

	return topics
}

// TopicCount reports how many topics currently have at least one subscriber.
func (r *Registry) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.connectionsByTopic)
}
