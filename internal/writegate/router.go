package writegate

import (
	"sync"

	"github.com/owliabot/owliabot/pkg/models"
)

type waiterKey struct {
	Channel        string
	ConversationID string
	UserID         string
}

type waiter struct {
	key waiterKey
	ch  chan string
}

// ReplyRouter intercepts inbound messages that answer a pending
// confirmation. One router is shared across every channel adapter;
// a consumed message never reaches the gateway pipeline.
type ReplyRouter struct {
	mu      sync.Mutex
	waiters map[waiterKey][]*waiter
}

// NewReplyRouter creates an empty router.
func NewReplyRouter() *ReplyRouter {
	return &ReplyRouter{waiters: make(map[waiterKey][]*waiter)}
}

// Offer routes an inbound message to the oldest matching waiter.
// It reports whether the message was consumed. Messages that are not
// a decision word, or that have no waiter, pass through untouched.
func (r *ReplyRouter) Offer(msg *models.InboundMessage) bool {
	if !isDecisionWord(msg.Text) {
		return false
	}
	key := waiterKey{
		Channel:        string(msg.Channel),
		ConversationID: msg.ConversationID,
		UserID:         msg.FromUserID,
	}

	r.mu.Lock()
	queue := r.waiters[key]
	if len(queue) == 0 {
		r.mu.Unlock()
		return false
	}
	w := queue[0]
	r.dequeueLocked(w)
	r.mu.Unlock()

	w.ch <- msg.Text
	return true
}

// Pending reports how many confirmations are waiting for a reply.
func (r *ReplyRouter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, queue := range r.waiters {
		n += len(queue)
	}
	return n
}

func (r *ReplyRouter) register(key waiterKey) *waiter {
	w := &waiter{key: key, ch: make(chan string, 1)}
	r.mu.Lock()
	r.waiters[key] = append(r.waiters[key], w)
	r.mu.Unlock()
	return w
}

func (r *ReplyRouter) unregister(w *waiter) {
	r.mu.Lock()
	r.dequeueLocked(w)
	r.mu.Unlock()
}

func (r *ReplyRouter) dequeueLocked(w *waiter) {
	queue := r.waiters[w.key]
	for i, candidate := range queue {
		if candidate == w {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(r.waiters, w.key)
	} else {
		r.waiters[w.key] = queue
	}
}
