package state

import (
	"fmt"
	"sync"
)

const defaultSubscriberBuf = 64

// UpdateKind distinguishes the initial full-state batch from per-session deltas.
type UpdateKind string

const (
	UpdateSnapshot UpdateKind = "snapshot"
	UpdateDelta    UpdateKind = "delta"
)

// Update is one message on a subscriber channel. A snapshot update carries
// every tracked session; a delta carries the single updated session. Deltas
// are complete snapshots of that session, not diffs, so dropped intermediate
// updates are recovered by the next one.
type Update struct {
	Kind     UpdateKind `json:"kind"`
	Sessions []*Session `json:"sessions,omitempty"`
	Session  *Session   `json:"session,omitempty"`
}

// Broadcaster fans applied-transition snapshots out to subscribers. Each
// subscriber owns a bounded channel; on overflow the oldest buffered update
// is dropped so the producer never blocks.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[string]chan Update
	bufSize int
}

func newBroadcaster(bufSize int) *Broadcaster {
	if bufSize < 1 {
		bufSize = defaultSubscriberBuf
	}
	return &Broadcaster{
		subs:    make(map[string]chan Update),
		bufSize: bufSize,
	}
}

// add registers a subscriber and queues its initial batch. The batch is the
// first message on the channel, so it is delivered strictly before any delta.
func (b *Broadcaster) add(id string, initial []*Session) (<-chan Update, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[id]; exists {
		return nil, fmt.Errorf("subscriber %s already registered", id)
	}

	ch := make(chan Update, b.bufSize)
	ch <- Update{Kind: UpdateSnapshot, Sessions: initial}
	b.subs[id] = ch
	return ch, nil
}

// remove deregisters a subscriber and closes its channel.
func (b *Broadcaster) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// publish delivers a delta to every subscriber without blocking. A full
// buffer sheds its oldest update to make room for the newest one.
func (b *Broadcaster) publish(snapshot *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u := Update{Kind: UpdateDelta, Session: snapshot}
	for _, ch := range b.subs {
		select {
		case ch <- u:
		default:
			// Buffer full: shed the oldest queued update to make room. If
			// the head is still the initial batch the subscriber has never
			// drained; throw away the stale deltas behind it instead so the
			// batch stays ahead of every delta.
			select {
			case old := <-ch:
				if old.Kind == UpdateSnapshot {
					drain(ch)
					select {
					case ch <- old:
					default:
					}
				}
			default:
			}
			select {
			case ch <- u:
			default:
			}
		}
	}
}

func drain(ch chan Update) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// shutdown closes every subscriber channel.
func (b *Broadcaster) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
