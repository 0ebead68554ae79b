// Package flash keeps the advisory messages queued for the response to a
// single request. A message is queued at most once per request: adding a
// text already present is a no-op.
package flash

import (
	"context"
	"net/http"
	"sync"
)

// Level is the severity a message is shown with.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
)

func (l Level) String() string {
	if l == LevelWarning {
		return "warning"
	}
	return "info"
}

// Message is one queued advisory.
type Message struct {
	Level Level  `json:"-"`
	Text  string `json:"text"`
}

// Queue is the outbound message queue of one request. The zero value is
// ready to use and a nil *Queue silently drops messages.
type Queue struct {
	mu   sync.Mutex
	msgs []Message
}

// Add queues text unless an identical text is already queued. It reports
// whether the message was added.
func (q *Queue) Add(level Level, text string) bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.msgs {
		if m.Text == text {
			return false
		}
	}
	q.msgs = append(q.msgs, Message{Level: level, Text: text})
	return true
}

// Warn is Add with LevelWarning.
func (q *Queue) Warn(text string) bool { return q.Add(LevelWarning, text) }

// Messages returns a copy of the queued messages in insertion order.
func (q *Queue) Messages() []Message {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.msgs...)
}

// Drain returns the queued messages and empties the queue.
func (q *Queue) Drain() []Message {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.msgs
	q.msgs = nil
	return out
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying q.
func NewContext(ctx context.Context, q *Queue) context.Context {
	return context.WithValue(ctx, ctxKey{}, q)
}

// FromContext returns the queue carried by ctx, or nil.
func FromContext(ctx context.Context) *Queue {
	q, _ := ctx.Value(ctxKey{}).(*Queue)
	return q
}

// Middleware gives every request its own empty queue.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), &Queue{})))
	})
}
