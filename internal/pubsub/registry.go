package pubsub

import (
	"sync"

	"github.com/kvstored/kvstored/internal/kvstore"
)

// subscriberBufferSize bounds each subscriber's pending-message queue.
// A publish that finds the buffer full disconnects the subscriber
// instead of blocking the publisher.
const subscriberBufferSize = 256

// Message is one delivered publish. Pattern is empty for a direct
// channel subscription and set to the matched pattern for a
// PSUBSCRIBE delivery.
type Message struct {
	Channel string
	Pattern string
	Payload []byte
}

// Subscriber is one client's delivery channel.
type Subscriber struct {
	id uint64
	ch chan *Message
}

// C returns the channel a connection should read deliveries from. It
// is closed when the subscriber is disconnected for overflowing its
// buffer or by UnsubscribeAll.
func (s *Subscriber) C() <-chan *Message { return s.ch }

// Registry tracks channel and pattern subscriptions.
type Registry struct {
	mu sync.Mutex

	channels map[string]map[uint64]*Subscriber
	patterns map[string]map[uint64]*Subscriber

	clientChannels map[uint64]map[string]struct{}
	clientPatterns map[uint64]map[string]struct{}
	subscribers    map[uint64]*Subscriber
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		channels:       make(map[string]map[uint64]*Subscriber),
		patterns:       make(map[string]map[uint64]*Subscriber),
		clientChannels: make(map[uint64]map[string]struct{}),
		clientPatterns: make(map[uint64]map[string]struct{}),
		subscribers:    make(map[uint64]*Subscriber),
	}
}

func (r *Registry) subscriberLocked(clientID uint64) *Subscriber {
	sub, ok := r.subscribers[clientID]
	if !ok {
		sub = &Subscriber{id: clientID, ch: make(chan *Message, subscriberBufferSize)}
		r.subscribers[clientID] = sub
	}
	return sub
}

// Subscribe adds a channel subscription, returning the subscriber
// handle and the client's total subscription count (channels +
// patterns).
func (r *Registry) Subscribe(clientID uint64, channel string) (*Subscriber, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := r.subscriberLocked(clientID)
	if r.channels[channel] == nil {
		r.channels[channel] = make(map[uint64]*Subscriber)
	}
	r.channels[channel][clientID] = sub

	if r.clientChannels[clientID] == nil {
		r.clientChannels[clientID] = make(map[string]struct{})
	}
	r.clientChannels[clientID][channel] = struct{}{}

	return sub, r.subscriptionCountLocked(clientID)
}

// Unsubscribe removes a channel subscription, returning the client's
// remaining subscription count.
func (r *Registry) Unsubscribe(clientID uint64, channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if subs := r.channels[channel]; subs != nil {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(r.channels, channel)
		}
	}
	if chans := r.clientChannels[clientID]; chans != nil {
		delete(chans, channel)
	}

	count := r.subscriptionCountLocked(clientID)
	if count == 0 {
		delete(r.subscribers, clientID)
		delete(r.clientChannels, clientID)
	}
	return count
}

// PSubscribe adds a pattern subscription, returning the subscriber
// handle and the client's total subscription count.
func (r *Registry) PSubscribe(clientID uint64, pattern string) (*Subscriber, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := r.subscriberLocked(clientID)
	if r.patterns[pattern] == nil {
		r.patterns[pattern] = make(map[uint64]*Subscriber)
	}
	r.patterns[pattern][clientID] = sub

	if r.clientPatterns[clientID] == nil {
		r.clientPatterns[clientID] = make(map[string]struct{})
	}
	r.clientPatterns[clientID][pattern] = struct{}{}

	return sub, r.subscriptionCountLocked(clientID)
}

// PUnsubscribe removes a pattern subscription, returning the client's
// remaining subscription count.
func (r *Registry) PUnsubscribe(clientID uint64, pattern string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if subs := r.patterns[pattern]; subs != nil {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(r.patterns, pattern)
		}
	}
	if pats := r.clientPatterns[clientID]; pats != nil {
		delete(pats, pattern)
	}

	count := r.subscriptionCountLocked(clientID)
	if count == 0 {
		delete(r.subscribers, clientID)
		delete(r.clientPatterns, clientID)
	}
	return count
}

// Publish delivers a payload to every direct subscriber of channel and
// every pattern subscriber whose pattern matches it, returning the
// number of subscribers the message actually reached. A subscriber
// whose buffer is full is disconnected instead of counted.
func (r *Registry) Publish(channel string, payload []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	if subs := r.channels[channel]; subs != nil {
		for clientID, sub := range subs {
			if r.deliverLocked(sub, &Message{Channel: channel, Payload: payload}) {
				delivered++
			} else {
				r.disconnectLocked(clientID)
			}
		}
	}

	for pattern, subs := range r.patterns {
		if !kvstore.GlobMatch(pattern, channel) {
			continue
		}
		for clientID, sub := range subs {
			if r.deliverLocked(sub, &Message{Channel: channel, Pattern: pattern, Payload: payload}) {
				delivered++
			} else {
				r.disconnectLocked(clientID)
			}
		}
	}

	return delivered
}

func (r *Registry) deliverLocked(sub *Subscriber, msg *Message) bool {
	select {
	case sub.ch <- msg:
		return true
	default:
		return false
	}
}

// UnsubscribeAll removes every subscription for a client, used on
// disconnect.
func (r *Registry) UnsubscribeAll(clientID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectLocked(clientID)
}

func (r *Registry) disconnectLocked(clientID uint64) {
	sub, ok := r.subscribers[clientID]
	if !ok {
		return
	}

	for channel := range r.clientChannels[clientID] {
		if subs := r.channels[channel]; subs != nil {
			delete(subs, clientID)
			if len(subs) == 0 {
				delete(r.channels, channel)
			}
		}
	}
	for pattern := range r.clientPatterns[clientID] {
		if subs := r.patterns[pattern]; subs != nil {
			delete(subs, clientID)
			if len(subs) == 0 {
				delete(r.patterns, pattern)
			}
		}
	}

	delete(r.clientChannels, clientID)
	delete(r.clientPatterns, clientID)
	delete(r.subscribers, clientID)
	close(sub.ch)
}

// ChannelsMatching lists subscribed channels, optionally filtered by a
// glob pattern (PUBSUB CHANNELS).
func (r *Registry) ChannelsMatching(pattern string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.channels))
	for ch := range r.channels {
		if pattern == "" || kvstore.GlobMatch(pattern, ch) {
			out = append(out, ch)
		}
	}
	return out
}

// NumSub reports the subscriber count for each named channel (PUBSUB
// NUMSUB).
func (r *Registry) NumSub(channels []string) map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(channels))
	for _, ch := range channels {
		out[ch] = len(r.channels[ch])
	}
	return out
}

// NumPat returns the total number of active pattern subscriptions
// (PUBSUB NUMPAT).
func (r *Registry) NumPat() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, subs := range r.patterns {
		total += len(subs)
	}
	return total
}

func (r *Registry) subscriptionCountLocked(clientID uint64) int {
	return len(r.clientChannels[clientID]) + len(r.clientPatterns[clientID])
}
