package bus

import (
	"context"
	"maps"
	"net"
	"slices"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/danderson/gvariant"
)

const maxWatcherQueue = 20

// Watch watches the connection for signals from other peers.
//
// A newly created Watcher delivers no notifications. The caller must
// use [Watcher.Match] to specify which signals the Watcher should
// provide.
func (c *Conn) Watch() *Watcher {
	w := &Watcher{
		conn:        c,
		signals:     make(chan *Notification),
		wakePump:    make(chan struct{}, 1),
		stopPump:    make(chan struct{}),
		pumpStopped: make(chan struct{}),
		matches:     mapset.New[*Match](),
	}
	go w.pump()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		w.stop()
		return w
	}
	c.watchers.Add(w)
	return w
}

// A Watcher delivers signals received by a Conn that match its
// filters.
type Watcher struct {
	conn     *Conn
	signals  chan *Notification
	wakePump chan struct{}

	stopPump    chan struct{}
	pumpStopped chan struct{}

	mu      sync.Mutex
	closed  bool
	queue   queue.Queue[*Notification]
	matches mapset.Set[*Match]
}

// Notification is a signal received from a peer.
type Notification struct {
	// Sender is the originator of the signal.
	Sender Interface
	// Name is the name of the signal.
	Name string
	// Body is the signal's arguments, as a tuple. The receiver owns
	// Body, and must release it.
	Body *gvariant.Value
	// Overflow reports that the watcher discarded some notifications
	// that followed this one, due to the caller not processing
	// delivered notifications fast enough.
	Overflow bool
}

// Close shuts down the Watcher.
func (w *Watcher) Close() {
	c := w.conn
	c.mu.Lock()
	delete(c.watchers, w)
	c.mu.Unlock()

	for _, m := range w.stop() {
		c.removeMatch(context.Background(), m)
	}
}

// stop shuts down the pump and releases queued notifications. It
// returns the matches that were active.
func (w *Watcher) stop() []*Match {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.stopPump)
	ms := slices.Collect(maps.Keys(w.matches))
	clear(w.matches)
	w.mu.Unlock()

	<-w.pumpStopped

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.queue.Len() > 0 {
		n, _ := w.queue.Pop()
		n.Body.Release()
	}
	return ms
}

// Chan returns the channel on which signals are delivered. The
// channel is closed when the Watcher or its Conn is closed.
//
// The caller must drain this channel of new signals promptly, to
// avoid overflowing the Watcher's receive queue and losing
// notifications of interest. Missing signals due to an overflow are
// indicated by the Overflow field of the [Notification] that
// immediately precedes the discarded signal(s).
func (w *Watcher) Chan() <-chan *Notification {
	return w.signals
}

// Match requests delivery of signals that match m.
//
// Matches are additive: a signal is delivered if it matches any of
// the Watcher's match specifications.
//
// If the match is added successfully, the returned remove function
// may be used to remove the match without affecting other
// matches. Use of remove is optional, and may be ignored if the set
// of matches doesn't need to change for the lifetime of the Watcher.
func (w *Watcher) Match(m *Match) (remove func(), err error) {
	if err = w.conn.addMatch(context.Background(), m); err != nil {
		return nil, err
	}

	w.mu.Lock()
	closed := w.closed
	if !closed {
		w.matches.Add(m)
	}
	w.mu.Unlock()
	if closed {
		// Close has already removed the rules it knew about. The
		// read loop may need w.mu, so this must not hold it.
		w.conn.removeMatch(context.Background(), m)
		return nil, gvariant.WrapError("Match", gvariant.ErrNativeFailure, net.ErrClosed)
	}
	return func() {
		w.mu.Lock()
		removed := w.matches.Has(m)
		delete(w.matches, m)
		w.mu.Unlock()
		if removed {
			w.conn.removeMatch(context.Background(), m)
		}
	}, nil
}

func (w *Watcher) enqueueLocked(n *Notification) {
	if w.queue.Len() >= maxWatcherQueue {
		last, _ := w.queue.Peek(-1)
		last.Overflow = true
		return
	}

	n.Body = n.Body.Retain()
	w.queue.Add(n)
	if w.queue.Len() == 1 {
		select {
		case w.wakePump <- struct{}{}:
		default:
		}
	}
}

func (w *Watcher) deliver(sender Interface, hdr *header, body *gvariant.Value) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		// Raced with Close.
		return
	}

	for m := range w.matches {
		if m.matches(hdr, body) {
			w.enqueueLocked(&Notification{
				Sender: sender,
				Name:   hdr.Member,
				Body:   body,
			})
			return
		}
	}
}

func (w *Watcher) pump() {
	defer close(w.pumpStopped)
	defer close(w.signals)
	for {
		sig := func() *Notification {
			w.mu.Lock()
			defer w.mu.Unlock()
			ret, _ := w.queue.Pop()
			return ret
		}()
		if sig == nil {
			select {
			case <-w.stopPump:
				return
			case <-w.wakePump:
				continue
			}
		}
		select {
		case w.signals <- sig:
		case <-w.stopPump:
			sig.Body.Release()
			return
		}
	}
}

// addMatch asks the bus to route signals matching m to this
// connection. Peer to peer connections receive all signals their
// peer sends, so there is nothing to do.
func (c *Conn) addMatch(ctx context.Context, m *Match) error {
	if c.p2p {
		return nil
	}
	return c.bus.CallStore(ctx, "AddMatch", struct{ Rule string }{m.String()}, nil)
}

func (c *Conn) removeMatch(ctx context.Context, m *Match) {
	if c.p2p || c.isClosed() {
		return
	}
	if err := c.bus.CallStore(ctx, "RemoveMatch", struct{ Rule string }{m.String()}, nil); err != nil {
		c.log.Debug().Err(err).Stringer("match", m).Msg("removing match rule")
	}
}

// dispatchSignal hands a received signal to all watchers.
func (c *Conn) dispatchSignal(m *msg) {
	body, err := m.Body()
	if err != nil {
		c.log.Debug().Err(err).
			Str("interface", m.Interface).
			Str("member", m.Member).
			Msg("dropping signal with undecodable body")
		return
	}
	defer body.Release()

	c.mu.Lock()
	ws := slices.Collect(maps.Keys(c.watchers))
	c.mu.Unlock()

	sender := c.Peer(m.Sender).Object(m.Path).Interface(m.Interface)
	for _, w := range ws {
		w.deliver(sender, &m.header, body)
	}
}
