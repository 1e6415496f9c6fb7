package pubsub

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var ErrClosed = errors.New("pubsub: closed")

// Every payload needs a type to distinguish what kind of update it is.
type Payload interface {
	Type() string
}

// Listener represents the common functions required by all subscription listeners
type Listener interface {
	// Begin listening on this channel with this callback. Blocks until Close() is called.
	Listen(chanName string, fn func(p Payload)) error
	// Close the listener. No more callbacks should fire.
	Close() error
}

// Notifier represents the common functions required by all notifiers
type Notifier interface {
	// Notify chanName that there is a new payload p. Return an error if we failed to send the notification.
	Notify(chanName string, p Payload) error
	// Close is called when we should stop listening.
	Close() error
}

// PubSub is an in-memory Notifier and Listener. Payloads are delivered in the order they were
// notified. Each channel supports a single listener.
type PubSub struct {
	chans      map[string]chan Payload
	mu         *sync.Mutex
	closed     bool
	bufferSize int
	timeout    time.Duration
}

func NewPubSub(bufferSize int) *PubSub {
	return &PubSub{
		chans:      make(map[string]chan Payload),
		mu:         &sync.Mutex{},
		bufferSize: bufferSize,
		timeout:    5 * time.Second,
	}
}

func (ps *PubSub) getChanLocked(chanName string) (chan Payload, error) {
	if ps.closed {
		return nil, ErrClosed
	}
	ch := ps.chans[chanName]
	if ch == nil {
		ch = make(chan Payload, ps.bufferSize)
		ps.chans[chanName] = ch
	}
	return ch, nil
}

func (ps *PubSub) Notify(chanName string, p Payload) error {
	// the lock is held for the send so Close cannot close the channel underneath us
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ch, err := ps.getChanLocked(chanName)
	if err != nil {
		return err
	}
	select {
	case ch <- p:
		break
	case <-time.After(ps.timeout):
		return fmt.Errorf("notify with payload %v timed out", p.Type())
	}
	return nil
}

func (ps *PubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	for _, ch := range ps.chans {
		close(ch)
	}
	return nil
}

// Listen delivers payloads until the PubSub is closed. Payloads notified before Close are still
// delivered, even if Listen is called after Close.
func (ps *PubSub) Listen(chanName string, fn func(p Payload)) error {
	ps.mu.Lock()
	ch, err := ps.getChanLocked(chanName)
	if err == ErrClosed && ps.chans[chanName] != nil {
		ch, err = ps.chans[chanName], nil
	}
	ps.mu.Unlock()
	if err != nil {
		return err
	}
	for payload := range ch {
		fn(payload)
	}
	return nil
}

// Wrapper around a Notifier which adds Prometheus metrics
type PromNotifier struct {
	Notifier
	msgCounter *prometheus.CounterVec
}

func (p *PromNotifier) Notify(chanName string, payload Payload) error {
	p.msgCounter.WithLabelValues(payload.Type()).Inc()
	return p.Notifier.Notify(chanName, payload)
}

func (p *PromNotifier) Close() error {
	prometheus.Unregister(p.msgCounter)
	return p.Notifier.Close()
}

// Wrap a notifier for prometheus metrics
func NewPromNotifier(n Notifier, subsystem string) Notifier {
	p := &PromNotifier{
		Notifier: n,
		msgCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "room_directory",
			Subsystem: subsystem,
			Name:      "num_payloads",
			Help:      "Number of payloads published",
		}, []string{"payload_type"}),
	}
	prometheus.MustRegister(p.msgCounter)
	return p
}
