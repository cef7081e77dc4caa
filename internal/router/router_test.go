package router

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"ble-http-gateway/internal/config"
	"ble-http-gateway/internal/gatt"
	"ble-http-gateway/internal/metrics"
	"ble-http-gateway/internal/model"
	"ble-http-gateway/internal/store"
)

type recordingForwarder struct {
	mu   sync.Mutex
	reqs []*model.NormalizedRequest
}

func (f *recordingForwarder) Forward(_ context.Context, nr *model.NormalizedRequest, _ func(model.Outcome)) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, nr)
	return "id"
}

type fakeNotifier struct {
	sent [][]byte
	done bool
	cap  int
}

func (n *fakeNotifier) Write(b []byte) (int, error) {
	n.sent = append(n.sent, append([]byte(nil), b...))
	return len(b), nil
}
func (n *fakeNotifier) Done() bool { return n.done }
func (n *fakeNotifier) Cap() int   { return n.cap }

type fixture struct {
	r     *Router
	st    *store.Store
	fwd   *recordingForwarder
	m     *metrics.Metrics
	chars map[gatt.UUID]*gatt.Characteristic
}

func newFixture(t *testing.T, layout string) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.Layout = layout
	m := metrics.New()
	st := store.New(StoreOptions(cfg, m)...)
	fwd := &recordingForwarder{}
	r, err := New(cfg, st, fwd, slog.New(slog.NewTextHandler(io.Discard, nil)), m)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	f := &fixture{r: r, st: st, fwd: fwd, m: m, chars: make(map[gatt.UUID]*gatt.Characteristic)}
	for _, c := range r.Service().Characteristics() {
		f.chars[c.UUID()] = c
	}
	return f
}

func (f *fixture) char(t *testing.T, u gatt.UUID) *gatt.Characteristic {
	t.Helper()
	c, ok := f.chars[u]
	if !ok {
		t.Fatalf("characteristic %s not published", u)
	}
	return c
}

func TestNew_SplitLayout(t *testing.T) {
	f := newFixture(t, config.LayoutSplit)

	if !f.r.Service().UUID().Equal(ServiceUUID) {
		t.Errorf("service UUID = %s", f.r.Service().UUID())
	}
	tests := []struct {
		uuid  gatt.UUID
		props uint
	}{
		{HTTPUUID, gatt.CharWrite | gatt.CharWriteNR},
		{HTTPSUUID, gatt.CharWrite | gatt.CharWriteNR},
		{BodyUUID, gatt.CharRead | gatt.CharNotify},
		{HeadersUUID, gatt.CharRead | gatt.CharNotify},
	}
	if len(f.chars) != len(tests) {
		t.Fatalf("characteristics = %d, want %d", len(f.chars), len(tests))
	}
	for _, tt := range tests {
		if got := f.char(t, tt.uuid).Properties(); got != tt.props {
			t.Errorf("%s properties = %b, want %b", tt.uuid, got, tt.props)
		}
	}
}

func TestNew_CombinedLayout(t *testing.T) {
	f := newFixture(t, config.LayoutCombined)
	if len(f.chars) != 1 {
		t.Fatalf("characteristics = %d, want 1", len(f.chars))
	}
	want := uint(gatt.CharRead | gatt.CharWrite | gatt.CharWriteNR | gatt.CharNotify)
	if got := f.char(t, CombinedUUID).Properties(); got != want {
		t.Errorf("properties = %b, want %b", got, want)
	}
}

func TestNew_UnknownLayout(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.Layout = "mesh"
	_, err := New(cfg, store.New(), &recordingForwarder{}, slog.New(slog.NewTextHandler(io.Discard, nil)), metrics.New())
	if err == nil {
		t.Fatal("expected error for unknown layout")
	}
}

func TestWrite_SchemePerChannel(t *testing.T) {
	tests := []struct {
		name   string
		layout string
		char   gatt.UUID
		want   string
	}{
		{name: "split http", layout: config.LayoutSplit, char: HTTPUUID, want: "http://example.com/x"},
		{name: "split https", layout: config.LayoutSplit, char: HTTPSUUID, want: "https://example.com/x"},
		{name: "combined default scheme", layout: config.LayoutCombined, char: CombinedUUID, want: "https://example.com/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.layout)
			status := f.char(t, tt.char).ServeWrite(gatt.Request{}, []byte("GET /x\r\nHost: example.com\r\n\r\n"))
			if status != gatt.StatusSuccess {
				t.Errorf("status = %d, want success", status)
			}
			if len(f.fwd.reqs) != 1 || f.fwd.reqs[0].URL != tt.want {
				t.Fatalf("forwarded = %v", f.fwd.reqs)
			}
		})
	}
}

func TestWrite_MalformedAcknowledged(t *testing.T) {
	f := newFixture(t, config.LayoutSplit)
	before := f.st.Snapshot()

	for _, blob := range []string{"", "\r\n\r\n", "garbage"} {
		status := f.char(t, HTTPUUID).ServeWrite(gatt.Request{}, []byte(blob))
		if status != gatt.StatusSuccess {
			t.Errorf("write %q status = %d, want success", blob, status)
		}
	}
	if len(f.fwd.reqs) != 0 {
		t.Errorf("forwards = %d, want 0", len(f.fwd.reqs))
	}
	if f.st.Snapshot().Generation != before.Generation {
		t.Error("store changed by malformed write")
	}

	families, err := f.m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == "ble_gateway_malformed_writes_total" {
			if v := fam.GetMetric()[0].GetCounter().GetValue(); v != 3 {
				t.Errorf("malformed writes = %v, want 3", v)
			}
			return
		}
	}
	t.Error("ble_gateway_malformed_writes_total not found")
}

func TestRead_OffsetAndCap(t *testing.T) {
	f := newFixture(t, config.LayoutSplit)
	f.st.Update(&model.ResponseRecord{StatusCode: 200, Body: []byte("0123456789abcdef")})
	body := f.char(t, BodyUUID)

	tests := []struct {
		offset int
		cap    int
		want   string
	}{
		{offset: 0, cap: 22, want: "0123456789abcdef"},
		{offset: 0, cap: 4, want: "0123"},
		{offset: 4, cap: 4, want: "4567"},
		{offset: 14, cap: 4, want: "ef"},
		{offset: 16, cap: 4, want: ""},
		{offset: 100, cap: 4, want: ""},
	}
	for _, tt := range tests {
		data, status := body.ServeRead(&gatt.ReadRequest{Offset: tt.offset, Cap: tt.cap})
		if status != gatt.StatusSuccess {
			t.Errorf("offset %d: status = %d", tt.offset, status)
		}
		if string(data) != tt.want {
			t.Errorf("offset %d cap %d: got %q, want %q", tt.offset, tt.cap, data, tt.want)
		}
	}
}

func TestRead_ChunksReassemble(t *testing.T) {
	f := newFixture(t, config.LayoutSplit)
	want := "HTTP body that spans several transport units of twenty bytes"
	f.st.Update(&model.ResponseRecord{StatusCode: 200, Body: []byte(want)})
	body := f.char(t, BodyUUID)

	var got []byte
	for off := 0; ; {
		data, _ := body.ServeRead(&gatt.ReadRequest{Offset: off, Cap: 20})
		if len(data) == 0 {
			break
		}
		got = append(got, data...)
		off += len(data)
	}
	if string(got) != want {
		t.Errorf("reassembled = %q, want %q", got, want)
	}
}

func TestNotify_SplitTokens(t *testing.T) {
	f := newFixture(t, config.LayoutSplit)
	hn := &fakeNotifier{cap: 20}
	bn := &fakeNotifier{cap: 20}
	f.char(t, HeadersUUID).ServeNotify(gatt.Request{}, hn)
	f.char(t, BodyUUID).ServeNotify(gatt.Request{}, bn)

	f.st.Update(&model.ResponseRecord{StatusCode: 500, Body: []byte("x")})

	if len(hn.sent) != 1 || string(hn.sent[0]) != "headers" {
		t.Errorf("headers notifications = %q", hn.sent)
	}
	if len(bn.sent) != 1 || string(bn.sent[0]) != "body" {
		t.Errorf("body notifications = %q", bn.sent)
	}
}

func TestNotify_CombinedReadyToken(t *testing.T) {
	f := newFixture(t, config.LayoutCombined)
	n := &fakeNotifier{cap: 20}
	f.char(t, CombinedUUID).ServeNotify(gatt.Request{}, n)

	f.st.Update(&model.ResponseRecord{StatusCode: 200, Body: []byte("x")})

	if len(n.sent) != 1 || string(n.sent[0]) != ReadyToken {
		t.Errorf("notifications = %q, want [%s]", n.sent, ReadyToken)
	}
}

func TestNotify_ResubscribeReplaces(t *testing.T) {
	f := newFixture(t, config.LayoutSplit)
	first := &fakeNotifier{cap: 20}
	second := &fakeNotifier{cap: 20}
	f.char(t, BodyUUID).ServeNotify(gatt.Request{}, first)
	f.char(t, BodyUUID).ServeNotify(gatt.Request{}, second)

	f.st.Update(&model.ResponseRecord{StatusCode: 200})

	if len(first.sent) != 0 {
		t.Errorf("replaced notifier received %d notifications", len(first.sent))
	}
	if len(second.sent) != 1 {
		t.Errorf("current notifier received %d notifications, want 1", len(second.sent))
	}
}

func TestNotify_DoneNotifierUnsubscribes(t *testing.T) {
	f := newFixture(t, config.LayoutSplit)
	n := &fakeNotifier{cap: 20}
	f.char(t, BodyUUID).ServeNotify(gatt.Request{}, n)
	n.done = true

	f.st.Update(&model.ResponseRecord{StatusCode: 200})

	if len(n.sent) != 0 {
		t.Errorf("done notifier received %d notifications", len(n.sent))
	}
	if f.st.Subscribed(store.Body) {
		t.Error("body subscription not cleared")
	}
}

// resubscribingNotifier subscribes a replacement body notifier the first
// time it is written to, while the store is still delivering an update.
type resubscribingNotifier struct {
	fakeNotifier
	once func()
}

func (n *resubscribingNotifier) Write(b []byte) (int, error) {
	if n.once != nil {
		n.once()
		n.once = nil
	}
	return n.fakeNotifier.Write(b)
}

func TestNotify_ResubscribeDuringUpdateKeepsNewNotifier(t *testing.T) {
	f := newFixture(t, config.LayoutSplit)
	old := &fakeNotifier{cap: 20}
	replacement := &fakeNotifier{cap: 20}
	hn := &resubscribingNotifier{fakeNotifier: fakeNotifier{cap: 20}}
	hn.once = func() {
		old.done = true
		f.char(t, BodyUUID).ServeNotify(gatt.Request{}, replacement)
	}
	f.char(t, BodyUUID).ServeNotify(gatt.Request{}, old)
	f.char(t, HeadersUUID).ServeNotify(gatt.Request{}, hn)

	// The old body callback still runs in this update and sees Done.
	f.st.Update(&model.ResponseRecord{StatusCode: 200})
	if !f.st.Subscribed(store.Body) {
		t.Fatal("replacement body subscription was cleared")
	}

	f.st.Update(&model.ResponseRecord{StatusCode: 200})

	if len(old.sent) != 0 {
		t.Errorf("done notifier received %d notifications", len(old.sent))
	}
	if len(replacement.sent) != 1 || string(replacement.sent[0]) != "body" {
		t.Errorf("replacement notifications = %q, want [body]", replacement.sent)
	}
	if len(hn.sent) != 2 {
		t.Errorf("headers notifications = %d, want 2", len(hn.sent))
	}
}

func TestNotify_TokenTruncatedToCap(t *testing.T) {
	f := newFixture(t, config.LayoutSplit)
	n := &fakeNotifier{cap: 3}
	f.char(t, HeadersUUID).ServeNotify(gatt.Request{}, n)

	f.st.Update(&model.ResponseRecord{StatusCode: 200})

	if len(n.sent) != 1 || string(n.sent[0]) != "hea" {
		t.Errorf("notifications = %q, want [hea]", n.sent)
	}
}
