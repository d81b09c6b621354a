// Package comm provides in-process message passing between SPMD ranks:
// tagged point-to-point sends with wildcard probing, rendezvous
// collectives and a payload directory for owner resolution. Ranks are
// goroutines sharing one World; the API mirrors the nonblocking
// send / probe / receive / wait shape of distributed transports so the
// exchange patterns above it stay honest.
package comm

import (
	"sync"

	"github.com/pkg/errors"
)

// AnySource matches messages from every rank in Probe and Recv.
const AnySource = -1

// AnyTag matches every message tag in Probe and Recv.
const AnyTag = -1

// ErrAborted is thrown (as a panic payload) out of blocked calls when
// the world shuts down; rank runners recover it into an error.
var ErrAborted = errors.New("communication world aborted")

type message struct {
	src     int
	tag     int
	payload []byte
}

type mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []message
	aborted bool
}

func newMailbox() *mailbox {
	mb := &mailbox{}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

func (mb *mailbox) push(m message) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.queue = append(mb.queue, m)
	mb.cond.Broadcast()
}

// take scans for the first matching message, blocking until one
// arrives. The remove flag distinguishes Recv from Probe.
func (mb *mailbox) take(src, tag int, remove bool) message {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for {
		if mb.aborted {
			panic(ErrAborted)
		}
		for i, m := range mb.queue {
			if (src == AnySource || m.src == src) && (tag == AnyTag || m.tag == tag) {
				if remove {
					mb.queue = append(mb.queue[:i], mb.queue[i+1:]...)
				}
				return m
			}
		}
		mb.cond.Wait()
	}
}

func (mb *mailbox) abort() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.aborted = true
	mb.cond.Broadcast()
}

// World holds the shared state of a set of ranks.
type World struct {
	size       int
	mailboxes  []*mailbox
	rendezvous *rendezvous
}

// NewWorld creates a world of the given rank count.
func NewWorld(size int) (*World, error) {
	if size < 1 {
		return nil, errors.Errorf("world size must be positive, got %d", size)
	}
	w := &World{size: size}
	w.mailboxes = make([]*mailbox, size)
	for i := range w.mailboxes {
		w.mailboxes[i] = newMailbox()
	}
	w.rendezvous = newRendezvous(size)
	return w, nil
}

// Size returns the rank count.
func (w *World) Size() int { return w.size }

// Comm returns the communicator handle of one rank.
func (w *World) Comm(rank int) *Comm {
	if rank < 0 || rank >= w.size {
		panic(errors.Errorf("rank %d outside world of size %d", rank, w.size))
	}
	return &Comm{world: w, rank: rank}
}

// Abort wakes every blocked call in the world; they panic with
// ErrAborted, which rank runners turn into errors.
func (w *World) Abort() {
	for _, mb := range w.mailboxes {
		mb.abort()
	}
	w.rendezvous.abort()
}

// Comm is one rank's endpoint into the world.
type Comm struct {
	world *World
	rank  int
}

// Rank returns this endpoint's rank.
func (c *Comm) Rank() int { return c.rank }

// Size returns the world's rank count.
func (c *Comm) Size() int { return c.world.size }

// Request tracks a nonblocking send until WaitAll.
type Request struct {
	done bool
}

// Isend posts a message to a destination rank without blocking. The
// payload is copied, so the caller may reuse its buffer immediately;
// the returned request completes in WaitAll.
func (c *Comm) Isend(dst, tag int, payload []byte) *Request {
	if dst < 0 || dst >= c.world.size {
		panic(errors.Errorf("send to rank %d outside world of size %d", dst, c.world.size))
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.world.mailboxes[dst].push(message{src: c.rank, tag: tag, payload: buf})
	return &Request{}
}

// WaitAll completes a batch of requests.
func (c *Comm) WaitAll(reqs []*Request) {
	for _, r := range reqs {
		r.done = true
	}
}

// Probe blocks until a matching message is available and returns its
// source and size without consuming it.
func (c *Comm) Probe(src, tag int) (int, int) {
	m := c.world.mailboxes[c.rank].take(src, tag, false)
	return m.src, len(m.payload)
}

// Recv blocks until a matching message arrives and returns its source
// and payload.
func (c *Comm) Recv(src, tag int) (int, []byte) {
	m := c.world.mailboxes[c.rank].take(src, tag, true)
	return m.src, m.payload
}
