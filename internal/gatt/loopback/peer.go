package loopback

import (
	"fmt"
	"sync"

	"ble-http-gateway/internal/gatt"
)

// ATTError is a non-success status returned by the local GATT server.
type ATTError struct {
	Op     string
	Status byte
}

func (e *ATTError) Error() string {
	return fmt.Sprintf("%s: att status 0x%02x", e.Op, e.Status)
}

// Write performs a single write request against char.
func (p *Peer) Write(char gatt.UUID, data []byte) error {
	c, err := p.dev.lookup(p.id, char)
	if err != nil {
		return err
	}
	status := c.ServeWrite(gatt.Request{Central: p}, append([]byte(nil), data...))
	if status != gatt.StatusSuccess {
		return &ATTError{Op: "write", Status: status}
	}
	return nil
}

// PrepareWrite queues a fragment of a long write. Nothing reaches the
// characteristic until ExecuteWrite.
func (p *Peer) PrepareWrite(char gatt.UUID, offset int, data []byte) error {
	if _, err := p.dev.lookup(p.id, char); err != nil {
		return err
	}
	d := p.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	queued := 0
	for _, w := range d.prepared[p.id] {
		queued += len(w.data)
	}
	if queued+len(data) > d.queueLimit {
		delete(d.prepared, p.id)
		return fmt.Errorf("prepare write %d bytes: %w", len(data), gatt.ErrPrepareQueueFull)
	}
	d.prepared[p.id] = append(d.prepared[p.id], preparedWrite{
		char:   char,
		offset: offset,
		data:   append([]byte(nil), data...),
	})
	return nil
}

// ExecuteWrite commits or cancels the queued fragments. On commit the
// fragments for each characteristic are assembled in order and delivered
// as one write.
func (p *Peer) ExecuteWrite(commit bool) error {
	d := p.dev
	d.mu.Lock()
	queue := d.prepared[p.id]
	delete(d.prepared, p.id)
	d.mu.Unlock()

	if !commit || len(queue) == 0 {
		return nil
	}

	var order []gatt.UUID
	values := make(map[gatt.UUID][]byte)
	for _, w := range queue {
		v, seen := values[w.char]
		if !seen {
			order = append(order, w.char)
		}
		if w.offset > len(v) {
			return &ATTError{Op: "execute write", Status: gatt.StatusInvalidOffset}
		}
		v = append(v[:w.offset], w.data...)
		values[w.char] = v
	}
	for _, u := range order {
		if err := p.Write(u, values[u]); err != nil {
			return err
		}
	}
	return nil
}

// Read performs a read request at offset. Replies are capped at MTU-1
// bytes as a Read Blob response would be.
func (p *Peer) Read(char gatt.UUID, offset int) ([]byte, error) {
	c, err := p.dev.lookup(p.id, char)
	if err != nil {
		return nil, err
	}
	req := &gatt.ReadRequest{
		Request: gatt.Request{Central: p},
		Cap:     p.dev.MTU() - 1,
		Offset:  offset,
	}
	data, status := c.ServeRead(req)
	if status != gatt.StatusSuccess {
		return nil, &ATTError{Op: "read", Status: status}
	}
	return append([]byte(nil), data...), nil
}

// Subscribe enables notifications on char. Values arrive on the returned
// channel until Unsubscribe or disconnect closes it. Subscribing twice
// replaces the earlier subscription.
func (p *Peer) Subscribe(char gatt.UUID) (<-chan []byte, error) {
	c, err := p.dev.lookup(p.id, char)
	if err != nil {
		return nil, err
	}
	n := newNotifier(p.id, p.dev.MTU()-3)

	d := p.dev
	key := notifyKey(p.id, char)
	d.mu.Lock()
	old := d.notifiers[key]
	d.notifiers[key] = n
	d.mu.Unlock()
	if old != nil {
		old.stop()
	}

	if !c.ServeNotify(gatt.Request{Central: p}, n) {
		p.Unsubscribe(char)
		return nil, fmt.Errorf("subscribe %s: %w", char, gatt.ErrUnsupportedOperation)
	}
	return n.ch, nil
}

// Unsubscribe disables notifications on char.
func (p *Peer) Unsubscribe(char gatt.UUID) {
	d := p.dev
	key := notifyKey(p.id, char)
	d.mu.Lock()
	n := d.notifiers[key]
	delete(d.notifiers, key)
	d.mu.Unlock()
	if n != nil {
		n.stop()
	}
}

func notifyKey(peer string, char gatt.UUID) string {
	return peer + "/" + char.String()
}

// lookup finds char among the published services for a connected peer.
func (d *Device) lookup(peer string, char gatt.UUID) (*gatt.Characteristic, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.connected[peer]; !ok {
		return nil, fmt.Errorf("peer %s: %w", peer, gatt.ErrNotConnected)
	}
	for _, s := range d.services {
		if c, ok := s.Characteristic(char); ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", char, gatt.ErrUnknownCharacteristic)
}

// notifier delivers notifications to one subscribed peer. Values that
// do not fit in the queue are dropped, as unacknowledged notifications
// are on air.
type notifier struct {
	peer string
	cap  int

	mu   sync.Mutex
	ch   chan []byte
	done bool
}

func newNotifier(peer string, c int) *notifier {
	return &notifier{peer: peer, cap: c, ch: make(chan []byte, notifyQueueLen)}
}

func (n *notifier) Write(data []byte) (int, error) {
	if len(data) > n.cap {
		return 0, fmt.Errorf("notification of %d bytes exceeds cap %d", len(data), n.cap)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.done {
		return 0, gatt.ErrNotificationsDisabled
	}
	select {
	case n.ch <- append([]byte(nil), data...):
	default:
	}
	return len(data), nil
}

func (n *notifier) Done() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.done
}

func (n *notifier) Cap() int { return n.cap }

func (n *notifier) stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.done {
		n.done = true
		close(n.ch)
	}
}
