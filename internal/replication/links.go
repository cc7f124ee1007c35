package replication

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// link is one TCP connection carrying protocol lines in both directions.
type link struct {
	peer string
	conn net.Conn

	writeTimeout time.Duration
	wmu          sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool
}

func newLink(peer string, conn net.Conn, writeTimeout time.Duration) *link {
	return &link{peer: peer, conn: conn, writeTimeout: writeTimeout}
}

func (l *link) send(line string) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if l.closed.Load() {
		return net.ErrClosed
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	if _, err := io.WriteString(l.conn, line+"\n"); err != nil {
		l.close()
		return err
	}
	return nil
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		_ = l.conn.Close()
	})
}

func (l *link) alive() bool { return l != nil && !l.closed.Load() }

type slot struct {
	dialMu sync.Mutex
	cur    atomic.Pointer[link]
}

// linkSet owns the outbound links, one per peer member address.
type linkSet struct {
	mu    sync.Mutex
	slots map[string]*slot

	resolve Resolver
	// started is called once for every new link (runs its read loop).
	started func(*link)
}

func newLinkSet(resolve Resolver, started func(*link)) *linkSet {
	return &linkSet{slots: make(map[string]*slot), resolve: resolve, started: started}
}

func (ls *linkSet) slotFor(peer string, create bool) *slot {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	s := ls.slots[peer]
	if s == nil && create {
		s = &slot{}
		ls.slots[peer] = s
	}
	return s
}

// get returns the live link to peer without dialing.
func (ls *linkSet) get(peer string) *link {
	s := ls.slotFor(peer, false)
	if s == nil {
		return nil
	}
	if l := s.cur.Load(); l.alive() {
		return l
	}
	return nil
}

// dial returns the live link to peer, connecting if there is none.
// Concurrent callers for the same peer share one connection attempt.
func (ls *linkSet) dial(ctx context.Context, peer string, dialTimeout, writeTimeout time.Duration) (*link, error) {
	s := ls.slotFor(peer, true)
	if l := s.cur.Load(); l.alive() {
		return l, nil
	}
	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	if l := s.cur.Load(); l.alive() {
		return l, nil
	}
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", ls.resolve(peer))
	if err != nil {
		return nil, err
	}
	l := newLink(peer, conn, writeTimeout)
	s.cur.Store(l)
	if ls.started != nil {
		ls.started(l)
	}
	return l, nil
}

// forget clears peer's slot if it still holds l.
func (ls *linkSet) forget(peer string, l *link) {
	s := ls.slotFor(peer, false)
	if s != nil {
		s.cur.CompareAndSwap(l, nil)
	}
}

// retain closes links to peers not in keep and returns the peers in keep
// that have no live link.
func (ls *linkSet) retain(keep []string) []string {
	want := make(map[string]struct{}, len(keep))
	for _, p := range keep {
		want[p] = struct{}{}
	}
	var stale []*link
	ls.mu.Lock()
	for peer, s := range ls.slots {
		if _, ok := want[peer]; ok {
			continue
		}
		if l := s.cur.Load(); l != nil {
			stale = append(stale, l)
		}
		delete(ls.slots, peer)
	}
	ls.mu.Unlock()
	for _, l := range stale {
		l.close()
	}

	var missing []string
	for _, p := range keep {
		if ls.get(p) == nil {
			missing = append(missing, p)
		}
	}
	return missing
}

func (ls *linkSet) closeAll() {
	ls.mu.Lock()
	slots := ls.slots
	ls.slots = make(map[string]*slot)
	ls.mu.Unlock()
	for _, s := range slots {
		if l := s.cur.Load(); l != nil {
			l.close()
		}
	}
}
