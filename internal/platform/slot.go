// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DepotHaul Contributors

package platform

import "sync"

// Slot is a mutex-guarded single-flight completion slot for responses
// that carry no job correlation. Exactly one waiter is tracked at a
// time; arming the slot while a waiter is pending replaces that waiter,
// which then never completes. Callers must Clear the slot before
// inspecting whether their wait ended via timeout or response — a late
// message delivered between the two would otherwise resolve an
// unrelated future request.
type Slot struct {
	// keyOf derives the correlation key of a delivered message, e.g.
	// the app ID of a ticket response. May return "" for exchanges
	// with no key.
	keyOf func(Message) string

	mu  sync.Mutex
	key string
	ch  chan Message
}

// NewSlot creates a slot whose deliveries are matched by keyOf.
// A nil keyOf matches every message of the slot's type.
func NewSlot(keyOf func(Message) string) *Slot {
	if keyOf == nil {
		keyOf = func(Message) string { return "" }
	}
	return &Slot{keyOf: keyOf}
}

// Arm registers a waiter for key and returns the channel the response
// will be delivered on. Any previously pending waiter is replaced.
func (s *Slot) Arm(key string) <-chan Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.key = key
	s.ch = make(chan Message, 1)
	return s.ch
}

// Clear disarms the slot and returns a response that was delivered but
// not yet consumed, if any. The caller inspects the returned ok to
// distinguish a genuine timeout from a response that raced the timer.
func (s *Slot) Clear() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.ch
	s.ch = nil
	s.key = ""

	if ch == nil {
		return Message{}, false
	}
	select {
	case msg := <-ch:
		return msg, true
	default:
		return Message{}, false
	}
}

// Deliver routes a message to the pending waiter. It reports whether
// the message was accepted: an unarmed slot, a key mismatch, or an
// already-fulfilled waiter all drop the message.
func (s *Slot) Deliver(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch == nil || s.keyOf(msg) != s.key {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}
