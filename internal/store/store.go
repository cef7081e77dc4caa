// Package store holds the most recent forwarded response as two
// offset-addressable buffers and signals subscribers when it changes.
package store

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"ble-http-gateway/internal/model"
)

// Buffer selects one of the two response buffers.
type Buffer int

// Response buffers.
const (
	Headers Buffer = iota
	Body
)

func (b Buffer) String() string {
	switch b {
	case Headers:
		return "headers"
	case Body:
		return "body"
	}
	return "unknown"
}

// NotifyFunc receives the buffer's token after an update.
// It must not call back into the Store synchronously with a Subscribe
// for the same buffer; reads are fine.
type NotifyFunc func(token []byte)

// Snapshot is a consistent view of both buffers.
type Snapshot struct {
	StatusCode int
	Headers    []byte
	Body       []byte
	Generation uint64
}

// Subscription identifies one Subscribe call. The zero value never
// matches a live subscriber.
type Subscription uint64

type subscriber struct {
	id Subscription
	fn NotifyFunc
}

// Option configures a Store.
type Option func(*Store)

// WithToken sets the payload sent to b's subscriber on update.
func WithToken(b Buffer, token string) Option {
	return func(s *Store) { s.tokens[b] = []byte(token) }
}

// WithObserver registers a function called after every update with the
// new buffer sizes.
func WithObserver(f func(headers, body int)) Option {
	return func(s *Store) { s.observe = f }
}

// Store is the process-wide response slot. Updates replace both buffers
// under one lock; overlapping updates are last-writer-wins.
type Store struct {
	mu         sync.RWMutex
	status     int
	headers    []byte
	body       []byte
	generation uint64

	subMu  sync.Mutex
	subs   [2]subscriber
	nextID Subscription
	tokens [2][]byte

	observe func(headers, body int)
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		tokens: [2][]byte{
			Headers: []byte("headers"),
			Body:    []byte("body"),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update replaces both buffers from rec, then notifies the headers
// subscriber followed by the body subscriber.
func (s *Store) Update(rec *model.ResponseRecord) {
	headers := SerializeHeader(rec.Header)
	body := append([]byte(nil), rec.Body...)

	s.mu.Lock()
	s.status = rec.StatusCode
	s.headers = headers
	s.body = body
	s.generation++
	s.mu.Unlock()

	if s.observe != nil {
		s.observe(len(headers), len(body))
	}

	s.subMu.Lock()
	subs := s.subs
	s.subMu.Unlock()

	for _, b := range []Buffer{Headers, Body} {
		if fn := subs[b].fn; fn != nil {
			fn(append([]byte(nil), s.tokens[b]...))
		}
	}
}

// Read returns a copy of buffer b from offset to the end. Offsets at or
// past the end yield an empty slice.
func (s *Store) Read(b Buffer, offset int) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := s.buffer(b)
	if offset < 0 || offset >= len(buf) {
		return []byte{}
	}
	return append([]byte(nil), buf[offset:]...)
}

// Snapshot returns both buffers as written by the same Update.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		StatusCode: s.status,
		Headers:    append([]byte(nil), s.headers...),
		Body:       append([]byte(nil), s.body...),
		Generation: s.generation,
	}
}

// Subscribe sets the notifier for b, replacing any previous one.
func (s *Store) Subscribe(b Buffer, fn NotifyFunc) Subscription {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextID++
	s.subs[b] = subscriber{id: s.nextID, fn: fn}
	return s.nextID
}

// Unsubscribe clears the notifier for b.
func (s *Store) Unsubscribe(b Buffer) {
	s.subMu.Lock()
	s.subs[b] = subscriber{}
	s.subMu.Unlock()
}

// UnsubscribeIf clears the notifier for b only while it is still the one
// installed by sub. It reports whether the slot was cleared.
// Update delivers to a copy of the table, so a replaced notifier can
// still run after a newer Subscribe.
func (s *Store) UnsubscribeIf(b Buffer, sub Subscription) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if sub == 0 || s.subs[b].id != sub {
		return false
	}
	s.subs[b] = subscriber{}
	return true
}

// UnsubscribeAll clears both notifiers.
func (s *Store) UnsubscribeAll() {
	s.subMu.Lock()
	s.subs = [2]subscriber{}
	s.subMu.Unlock()
}

// Subscribed reports whether b has a notifier.
func (s *Store) Subscribed(b Buffer) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.subs[b].fn != nil
}

// buffer must be called with mu held.
func (s *Store) buffer(b Buffer) []byte {
	if b == Headers {
		return s.headers
	}
	return s.body
}

// SerializeHeader renders h as "Key: value\r\n" lines with keys sorted
// and one line per value.
func SerializeHeader(h http.Header) []byte {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range h[k] {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	return []byte(b.String())
}
