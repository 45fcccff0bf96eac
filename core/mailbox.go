package core

import (
	"context"
)

// Mailbox is a bounded FIFO queue of messages with many producers and a
// single consumer. Producers wait for free capacity instead of dropping.
type Mailbox struct {
	queue chan *LocalMessage

	// done is closed once the consumer has gone away
	done <-chan struct{}
}

// NewMailbox creates a mailbox with the given capacity. A closed done
// channel makes pending and future Enqueue calls fail.
func NewMailbox(capacity int, done <-chan struct{}) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultMailboxSize
	}
	return &Mailbox{
		queue: make(chan *LocalMessage, capacity),
		done:  done,
	}
}

// Enqueue appends msg, waiting for capacity. A message that lands in the
// queue while done is being closed is reported as ErrRelayStopped, since
// nothing will consume it.
func (m *Mailbox) Enqueue(ctx context.Context, msg *LocalMessage) error {
	select {
	case <-m.done:
		return ErrRelayStopped
	default:
	}

	select {
	case m.queue <- msg:
		select {
		case <-m.done:
			return ErrRelayStopped
		default:
			return nil
		}
	case <-m.done:
		return ErrRelayStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue removes the oldest message, waiting until one is available.
func (m *Mailbox) Dequeue(ctx context.Context) (*LocalMessage, error) {
	select {
	case msg := <-m.queue:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns a snapshot of the number of queued messages.
func (m *Mailbox) Len() int {
	return len(m.queue)
}

// Cap returns the mailbox capacity.
func (m *Mailbox) Cap() int {
	return cap(m.queue)
}

// forwardMailbox copies admitted messages from the router inbox into the
// actor's mailbox until done is closed.
func forwardMailbox(inbox *Mailbox, mailbox *Mailbox, done <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-done
		cancel()
	}()

	for {
		msg, err := inbox.Dequeue(ctx)
		if err != nil {
			return
		}
		if err := mailbox.Enqueue(ctx, msg); err != nil {
			return
		}
	}
}
