// Package environment abstracts the browser signals the proctor reacts to
// behind a single subscribe/unsubscribe capability.
package environment

import (
	"sort"
	"sync"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Kind names a signal raised by the participant's environment.
type Kind string

const (
	FocusLoss        Kind = "focus_loss"
	VisibilityHidden Kind = "visibility_hidden"
	FullscreenExit   Kind = "fullscreen_exit"
	FullscreenEnter  Kind = "fullscreen_enter"
	FullscreenDenied Kind = "fullscreen_denied"
	RestrictedKey    Kind = "restricted_key"
)

// ViolationKinds are the signals that count as leaving the secured context.
var ViolationKinds = []Kind{FocusLoss, VisibilityHidden, FullscreenExit, RestrictedKey}

// Source maps a violation signal onto the recorded source. ok is false for
// signals that are not violations.
func (k Kind) Source() (model.SignalSource, bool) {
	switch k {
	case FocusLoss:
		return model.SourceFocusLoss, true
	case VisibilityHidden:
		return model.SourceVisibilityHidden, true
	case FullscreenExit:
		return model.SourceFullscreenExit, true
	case RestrictedKey:
		return model.SourceRestrictedKey, true
	default:
		return "", false
	}
}

// Signal is one environment event.
type Signal struct {
	Kind  Kind      `json:"kind"`
	At    time.Time `json:"at"`
	Combo string    `json:"combo,omitempty"`
}

// Handler consumes a signal. Handlers run synchronously on the publisher's
// goroutine and must not block on network calls.
type Handler func(Signal)

// Subscription identifies a registered handler.
type Subscription struct {
	id   uint64
	kind Kind
}

// Environment is the capability the monitor and the session depend on.
type Environment interface {
	Subscribe(kind Kind, h Handler) Subscription
	Unsubscribe(sub Subscription)
}

// Bus is the in-process Environment. The shell bridge publishes into it and
// tests drive it directly.
type Bus struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[Kind]map[uint64]Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Kind]map[uint64]Handler)}
}

// Subscribe registers h for kind.
func (b *Bus) Subscribe(kind Kind, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[uint64]Handler)
	}
	b.handlers[kind][b.next] = h
	return Subscription{id: b.next, kind: kind}
}

// Unsubscribe removes a handler. Unknown subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if hs, ok := b.handlers[sub.kind]; ok {
		delete(hs, sub.id)
		if len(hs) == 0 {
			delete(b.handlers, sub.kind)
		}
	}
}

// Publish delivers sig to every handler of its kind in subscription order and
// returns how many handlers ran.
func (b *Bus) Publish(sig Signal) int {
	b.mu.RLock()
	hs := b.handlers[sig.Kind]
	ids := make([]uint64, 0, len(hs))
	for id := range hs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ordered := make([]Handler, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, hs[id])
	}
	b.mu.RUnlock()

	for _, h := range ordered {
		h(sig)
	}
	return len(ordered)
}

// Subscribers counts the handlers registered for kind.
func (b *Bus) Subscribers(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}
