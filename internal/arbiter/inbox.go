package arbiter

import (
	"context"
	"sync"

	"github.com/srg/ctgate/internal/radio"
)

// Inbox is an unbounded FIFO of lines for one session. Put never blocks.
type Inbox struct {
	mu     sync.Mutex
	items  []radio.Line
	notify chan struct{}
}

func newInbox() *Inbox {
	return &Inbox{notify: make(chan struct{}, 1)}
}

// Put appends a line and wakes a waiting Get.
func (i *Inbox) Put(l radio.Line) {
	i.mu.Lock()
	i.items = append(i.items, l)
	i.mu.Unlock()

	select {
	case i.notify <- struct{}{}:
	default:
	}
}

// Get returns the oldest line, waiting until one arrives or ctx is done.
func (i *Inbox) Get(ctx context.Context) (radio.Line, error) {
	for {
		i.mu.Lock()
		if len(i.items) > 0 {
			l := i.items[0]
			i.items[0] = radio.Line{}
			i.items = i.items[1:]
			i.mu.Unlock()
			return l, nil
		}
		i.mu.Unlock()

		select {
		case <-i.notify:
		case <-ctx.Done():
			return radio.Line{}, ctx.Err()
		}
	}
}

// Len is the number of queued lines.
func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.items)
}

// Discard drops every queued line and returns how many there were.
func (i *Inbox) Discard() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := len(i.items)
	i.items = nil
	return n
}
