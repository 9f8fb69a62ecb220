package memory

import (
	"sync"

	"github.com/eapache/queue"
)

// delivery is one handler call waiting in a subscriber's inbox.
type delivery struct {
	h  Handler
	ev Event
}

// inbox runs the deliveries of one subscriber one at a time, in the order
// they were pushed. A worker goroutine exists only while the inbox has work,
// and different subscribers never wait for each other.
type inbox struct {
	run func(delivery)

	mu      sync.Mutex
	pending *queue.Queue
	running bool
}

func newInbox(run func(delivery)) *inbox {
	return &inbox{run: run, pending: queue.New()}
}

// push queues d and starts a worker if none is draining the inbox.
func (in *inbox) push(d delivery) {
	in.mu.Lock()
	in.pending.Add(d)
	start := !in.running
	in.running = true
	in.mu.Unlock()

	if start {
		go in.drain()
	}
}

func (in *inbox) drain() {
	for {
		in.mu.Lock()
		if in.pending.Length() == 0 {
			in.running = false
			in.mu.Unlock()
			return
		}
		d := in.pending.Remove().(delivery)
		in.mu.Unlock()

		in.run(d)
	}
}

// len returns the number of deliveries not yet started.
func (in *inbox) len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.pending.Length()
}
