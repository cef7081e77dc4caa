package loopback

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ble-http-gateway/internal/gatt"
)

var (
	testService = gatt.MustParseUUID("16ba0001-cf44-461e-b889-4f9a90f6b330")
	testChar    = gatt.MustParseUUID("16ba0002-cf44-461e-b889-4f9a90f6b330")
	testMarker  = gatt.MustParseUUID("16ba0006-cf44-461e-b889-4f9a90f6b330")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDevice(t *testing.T, opts ...gatt.Option) *Device {
	t.Helper()
	d, err := New(testLogger(), opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return d
}

// echoService stores every write and serves it back on read and notify.
type echoService struct {
	mu       sync.Mutex
	value    []byte
	writes   int
	notifier gatt.Notifier
}

func (e *echoService) service() *gatt.Service {
	s := gatt.NewService(testService)
	c := s.AddCharacteristic(testChar)
	c.HandleWriteFunc(func(_ gatt.Request, data []byte) byte {
		e.mu.Lock()
		e.value = data
		e.writes++
		n := e.notifier
		e.mu.Unlock()
		if n != nil && !n.Done() {
			_, _ = n.Write([]byte("ok"))
		}
		return gatt.StatusSuccess
	})
	c.HandleReadFunc(func(resp gatt.ReadResponseWriter, req *gatt.ReadRequest) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if req.Offset > len(e.value) {
			resp.SetStatus(gatt.StatusInvalidOffset)
			return
		}
		v := e.value[req.Offset:]
		if len(v) > req.Cap {
			v = v[:req.Cap]
		}
		_, _ = resp.Write(v)
	})
	c.HandleNotifyFunc(func(_ gatt.Request, n gatt.Notifier) {
		e.mu.Lock()
		e.notifier = n
		e.mu.Unlock()
	})
	return s
}

func connectedPeer(t *testing.T, d *Device, e *echoService) *Peer {
	t.Helper()
	if err := d.Init(nil); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if err := d.SetServices([]*gatt.Service{e.service()}); err != nil {
		t.Fatalf("SetServices() error: %v", err)
	}
	p := d.AddPeer("peer-1", "sensor", testMarker)
	d.Connect(p)
	if !d.Connected("peer-1") {
		t.Fatal("peer not connected")
	}
	return p
}

func TestInit_PowersOn(t *testing.T) {
	d := newDevice(t)
	var got []gatt.State
	if err := d.Init(func(_ gatt.Device, s gatt.State) { got = append(got, s) }); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	d.SetState(gatt.StatePoweredOff)

	want := []gatt.State{gatt.StatePoweredOn, gatt.StatePoweredOff}
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestOptions(t *testing.T) {
	d := newDevice(t, MTU(185), MultiRole(true), AdvertisingInterval(250*time.Millisecond))
	if d.MTU() != 185 {
		t.Errorf("MTU() = %d, want 185", d.MTU())
	}
	if got := d.AdvertisingInterval(); got != 250*time.Millisecond {
		t.Errorf("AdvertisingInterval() = %v, want 250ms", got)
	}
	if _, err := New(testLogger(), MTU(10)); err == nil {
		t.Error("expected error for MTU below minimum")
	}
	if _, err := New(testLogger(), AdvertisingInterval(0)); err == nil {
		t.Error("expected error for zero advertising interval")
	}
}

func TestAdvertise(t *testing.T) {
	d := newDevice(t)
	var started []error
	d.Handle(gatt.AdvertisingStarted(func(err error) { started = append(started, err) }))

	if err := d.AdvertiseNameAndServices("gw", []gatt.UUID{testService}); !errors.Is(err, gatt.ErrAdvertisingUnavailable) {
		t.Errorf("advertise while off: error = %v, want ErrAdvertisingUnavailable", err)
	}

	_ = d.Init(nil)
	if err := d.AdvertiseNameAndServices("gw", []gatt.UUID{testService}); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	name, svcs, ok := d.Advertising()
	if !ok || name != "gw" || len(svcs) != 1 {
		t.Errorf("Advertising() = %q, %v, %v", name, svcs, ok)
	}

	boom := errors.New("controller busy")
	d.FailNextAdvertise(boom)
	if err := d.AdvertiseNameAndServices("gw", nil); !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
	if len(started) != 3 || started[2] == nil {
		t.Errorf("AdvertisingStarted calls = %v", started)
	}
}

func TestScan_FiltersByService(t *testing.T) {
	d := newDevice(t)
	_ = d.Init(nil)

	var found []string
	d.Handle(gatt.PeripheralDiscovered(func(p gatt.Peripheral, _ *gatt.Advertisement, _ int) {
		found = append(found, p.ID())
	}))

	d.AddPeer("b", "wants", testMarker)
	d.AddPeer("a", "other", testService)
	d.Scan([]gatt.UUID{testMarker}, false)
	d.AddPeer("c", "late", testMarker)
	d.StopScanning()
	d.AddPeer("d", "after", testMarker)

	if len(found) != 2 || found[0] != "b" || found[1] != "c" {
		t.Errorf("discovered = %v, want [b c]", found)
	}
}

func TestScan_RefusedWhileAdvertisingSingleRole(t *testing.T) {
	d := newDevice(t)
	_ = d.Init(nil)
	_ = d.AdvertiseNameAndServices("gw", nil)
	d.Scan(nil, false)
	if d.Scanning() {
		t.Error("single-role device should not scan while advertising")
	}

	m := newDevice(t, MultiRole(true))
	_ = m.Init(nil)
	_ = m.AdvertiseNameAndServices("gw", nil)
	m.Scan(nil, false)
	if !m.Scanning() {
		t.Error("multi-role device should scan while advertising")
	}
}

func TestConnect(t *testing.T) {
	d := newDevice(t)
	_ = d.Init(nil)
	p := d.AddPeer("p", "peer")

	var results []error
	var disconnected int
	d.Handle(
		gatt.PeripheralConnected(func(_ gatt.Peripheral, err error) { results = append(results, err) }),
		gatt.PeripheralDisconnected(func(gatt.Peripheral, error) { disconnected++ }),
	)

	boom := errors.New("refused")
	d.FailNextConnect("p", boom)
	d.Connect(p)
	d.Connect(p)

	if len(results) != 2 || !errors.Is(results[0], boom) || results[1] != nil {
		t.Fatalf("connect results = %v", results)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := d.Disconnect("p"); !errors.Is(err, gatt.ErrNotConnected) {
		t.Errorf("second disconnect error = %v, want ErrNotConnected", err)
	}
	if disconnected != 1 {
		t.Errorf("disconnected = %d, want 1", disconnected)
	}
}

func TestConnect_OutOfRange(t *testing.T) {
	d := newDevice(t)
	_ = d.Init(nil)
	p := d.AddPeer("p", "peer")
	d.RemovePeer("p")

	var got error
	d.Handle(gatt.PeripheralConnected(func(_ gatt.Peripheral, err error) { got = err }))
	d.Connect(p)
	if !errors.Is(got, gatt.ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", got)
	}
}

func TestPeer_WriteRead(t *testing.T) {
	d := newDevice(t)
	e := &echoService{}
	p := connectedPeer(t, d, e)

	if err := p.Write(testChar, []byte("hello world, this is longer than one mtu")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	first, err := p.Read(testChar, 0)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if len(first) != gatt.DefaultMTU-1 {
		t.Errorf("read len = %d, want %d", len(first), gatt.DefaultMTU-1)
	}
	if _, err := p.Read(testChar, 1000); err == nil {
		t.Error("expected error for invalid offset")
	} else {
		var attErr *ATTError
		if !errors.As(err, &attErr) || attErr.Status != gatt.StatusInvalidOffset {
			t.Errorf("error = %v, want invalid offset status", err)
		}
	}
}

func TestPeer_UnknownCharacteristic(t *testing.T) {
	d := newDevice(t)
	p := connectedPeer(t, d, &echoService{})
	if err := p.Write(testMarker, []byte("x")); !errors.Is(err, gatt.ErrUnknownCharacteristic) {
		t.Errorf("error = %v, want ErrUnknownCharacteristic", err)
	}
}

func TestPeer_NotConnected(t *testing.T) {
	d := newDevice(t)
	p := connectedPeer(t, d, &echoService{})
	_ = p.Close()
	if _, err := p.Read(testChar, 0); !errors.Is(err, gatt.ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
}

func TestPeer_PreparedWrite(t *testing.T) {
	d := newDevice(t)
	e := &echoService{}
	p := connectedPeer(t, d, e)

	if err := p.PrepareWrite(testChar, 0, []byte("GET / HTTP")); err != nil {
		t.Fatal(err)
	}
	if err := p.PrepareWrite(testChar, 10, []byte("/1.1\r\n")); err != nil {
		t.Fatal(err)
	}
	if e.writes != 0 {
		t.Fatal("prepared fragments reached the characteristic before execute")
	}
	if err := p.ExecuteWrite(true); err != nil {
		t.Fatalf("ExecuteWrite() error: %v", err)
	}
	if string(e.value) != "GET / HTTP/1.1\r\n" || e.writes != 1 {
		t.Errorf("value = %q writes = %d", e.value, e.writes)
	}
}

func TestPeer_PreparedWriteCancel(t *testing.T) {
	d := newDevice(t)
	e := &echoService{}
	p := connectedPeer(t, d, e)

	_ = p.PrepareWrite(testChar, 0, []byte("abc"))
	if err := p.ExecuteWrite(false); err != nil {
		t.Fatal(err)
	}
	if e.writes != 0 {
		t.Errorf("writes = %d after cancel, want 0", e.writes)
	}
}

func TestPeer_PreparedWriteErrors(t *testing.T) {
	d := newDevice(t, PrepareQueueLimit(8))
	p := connectedPeer(t, d, &echoService{})

	if err := p.PrepareWrite(testChar, 0, []byte("123456789")); !errors.Is(err, gatt.ErrPrepareQueueFull) {
		t.Errorf("error = %v, want ErrPrepareQueueFull", err)
	}

	_ = p.PrepareWrite(testChar, 5, []byte("x"))
	err := p.ExecuteWrite(true)
	var attErr *ATTError
	if !errors.As(err, &attErr) || attErr.Status != gatt.StatusInvalidOffset {
		t.Errorf("error = %v, want invalid offset", err)
	}
}

func TestPeer_Subscribe(t *testing.T) {
	d := newDevice(t)
	e := &echoService{}
	p := connectedPeer(t, d, e)

	ch, err := p.Subscribe(testChar)
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	_ = p.Write(testChar, []byte("x"))
	if got := string(<-ch); got != "ok" {
		t.Errorf("notification = %q, want ok", got)
	}

	p.Unsubscribe(testChar)
	if _, open := <-ch; open {
		t.Error("channel should be closed after Unsubscribe")
	}
	if !e.notifier.Done() {
		t.Error("notifier should report Done after Unsubscribe")
	}
}

func TestPeer_SubscribeUnsupported(t *testing.T) {
	d := newDevice(t)
	_ = d.Init(nil)
	s := gatt.NewService(testService)
	s.AddCharacteristic(testChar).HandleWriteFunc(func(gatt.Request, []byte) byte { return gatt.StatusSuccess })
	_ = d.SetServices([]*gatt.Service{s})
	p := d.AddPeer("p", "peer")
	d.Connect(p)

	if _, err := p.Subscribe(testChar); !errors.Is(err, gatt.ErrUnsupportedOperation) {
		t.Errorf("error = %v, want ErrUnsupportedOperation", err)
	}
}

func TestDisconnect_ClosesSubscriptions(t *testing.T) {
	d := newDevice(t)
	p := connectedPeer(t, d, &echoService{})
	ch, _ := p.Subscribe(testChar)

	d.SetState(gatt.StatePoweredOff)
	if _, open := <-ch; open {
		t.Error("channel should be closed after power off")
	}
	if d.Connected("peer-1") {
		t.Error("peer should be disconnected after power off")
	}
}

func TestSetServices_Failure(t *testing.T) {
	d := newDevice(t)
	boom := errors.New("db full")
	d.FailNextSetServices(boom)
	if err := d.SetServices(nil); !errors.Is(err, boom) {
		t.Errorf("error = %v, want %v", err, boom)
	}
	if err := d.SetServices(nil); err != nil {
		t.Errorf("second call error = %v", err)
	}
}
