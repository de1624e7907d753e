package simbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
	"github.com/nerrad567/knxlink/internal/connection"
)

func openConn(t *testing.T, tr *Transport, params string) connection.Handle {
	t.Helper()
	h, err := tr.Open(context.Background(), params)
	if err != nil {
		t.Fatalf("Open(%q) error: %v", params, err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func nextEvent(t *testing.T, h connection.Handle) knx.GroupEvent {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
		return knx.GroupEvent{}
	}
}

func expectNoEvent(t *testing.T, h connection.Handle, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-h.Events():
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(wait):
	}
}

func TestOpen_InvalidParams(t *testing.T) {
	tr := NewTransport(Config{})

	tests := []struct {
		name   string
		params string
	}{
		{"wrong scheme", "tcp://localhost:6720"},
		{"bad latency", "sim://?latency=soon"},
		{"unparseable", "sim://%zz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tr.Open(context.Background(), tt.params); err == nil {
				t.Errorf("Open(%q) should fail", tt.params)
			}
		})
	}
}

func TestOpen_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewTransport(Config{}).Open(ctx, "sim://"); !errors.Is(err, context.Canceled) {
		t.Errorf("Open() error = %v, want context.Canceled", err)
	}
}

func TestOpen_Error(t *testing.T) {
	tr := NewTransport(Config{})
	boom := errors.New("no line")
	tr.SetOpenError(boom)

	if _, err := tr.Open(context.Background(), "sim://"); !errors.Is(err, boom) {
		t.Errorf("Open() error = %v, want %v", err, boom)
	}
	if tr.Opens() != 1 {
		t.Errorf("Opens() = %d, want 1", tr.Opens())
	}
}

func TestWrite_EchoesEvent(t *testing.T) {
	tr := NewTransport(Config{Source: "1.1.9"})
	h := openConn(t, tr, "sim://")
	ga := knx.MustParseGroupAddress("1/2/3")

	if err := h.Write(context.Background(), ga, knx.BitValue(true), knx.PriorityLow); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	ev := nextEvent(t, h)
	if ev.Kind != knx.EventWrite || ev.Destination != ga || ev.Value != knx.BitValue(true) || ev.Source != "1.1.9" {
		t.Errorf("echo = %+v", ev)
	}
	if v, ok := tr.Value(ga); !ok || v != knx.BitValue(true) {
		t.Errorf("Value() = %v, %v", v, ok)
	}
	if tr.Writes(ga) != 1 {
		t.Errorf("Writes() = %d, want 1", tr.Writes(ga))
	}
	if p, _ := tr.LastPriority(ga); p != knx.PriorityLow {
		t.Errorf("LastPriority() = %v, want low", p)
	}
}

func TestWrite_Error(t *testing.T) {
	tr := NewTransport(Config{})
	h := openConn(t, tr, "sim://")
	boom := errors.New("nak")
	tr.SetWriteError(boom)

	ga := knx.MustParseGroupAddress("1/2/3")
	if err := h.Write(context.Background(), ga, knx.BitValue(true), knx.PriorityHigh); !errors.Is(err, boom) {
		t.Errorf("Write() error = %v, want %v", err, boom)
	}
	if _, ok := tr.Value(ga); ok {
		t.Error("failed write should not store a value")
	}
	if st := h.(*Conn).Stats(); st.ErrorsTotal != 1 {
		t.Errorf("ErrorsTotal = %d, want 1", st.ErrorsTotal)
	}
}

func TestRequestRead(t *testing.T) {
	ga := knx.MustParseGroupAddress("0/0/1")
	tr := NewTransport(Config{Values: map[knx.GroupAddress]knx.GroupValue{ga: knx.BytesValue(0x0C, 0x1A)}})
	h := openConn(t, tr, "sim://")

	if err := h.RequestRead(context.Background(), ga, knx.PriorityHigh); err != nil {
		t.Fatalf("RequestRead() error: %v", err)
	}
	ev := nextEvent(t, h)
	if ev.Kind != knx.EventReadResponse || ev.Value != knx.BytesValue(0x0C, 0x1A) {
		t.Errorf("answer = %+v", ev)
	}

	unknown := knx.MustParseGroupAddress("0/0/2")
	if err := h.RequestRead(context.Background(), unknown, knx.PriorityHigh); err != nil {
		t.Fatalf("RequestRead() error: %v", err)
	}
	expectNoEvent(t, h, 30*time.Millisecond)

	tr.Mute(ga, true)
	if err := h.RequestRead(context.Background(), ga, knx.PriorityHigh); err != nil {
		t.Fatalf("RequestRead() error: %v", err)
	}
	expectNoEvent(t, h, 30*time.Millisecond)

	if tr.ReadRequests(ga) != 2 || tr.ReadRequests(unknown) != 1 {
		t.Errorf("ReadRequests = %d/%d, want 2/1", tr.ReadRequests(ga), tr.ReadRequests(unknown))
	}
}

func TestRequestRead_Latency(t *testing.T) {
	ga := knx.MustParseGroupAddress("0/0/1")
	tr := NewTransport(Config{})
	tr.Set(ga, knx.BitValue(false))
	h := openConn(t, tr, "sim://?latency=40ms")

	start := time.Now()
	if err := h.RequestRead(context.Background(), ga, knx.PriorityHigh); err != nil {
		t.Fatalf("RequestRead() error: %v", err)
	}
	nextEvent(t, h)
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("answer after %v, want at least 40ms", elapsed)
	}
}

func TestInject(t *testing.T) {
	tr := NewTransport(Config{})
	ga := knx.MustParseGroupAddress("3/1/4")

	if err := tr.Inject(knx.GroupEvent{Destination: ga}); !errors.Is(err, ErrClosed) {
		t.Errorf("Inject() without a connection = %v, want ErrClosed", err)
	}

	h := openConn(t, tr, "sim://")
	if err := tr.Inject(knx.GroupEvent{Destination: ga, Value: knx.BytesValue(7), Kind: knx.EventWrite}); err != nil {
		t.Fatalf("Inject() error: %v", err)
	}
	ev := nextEvent(t, h)
	if ev.Source != defaultSource || ev.Value != knx.BytesValue(7) {
		t.Errorf("injected = %+v", ev)
	}
	if v, _ := tr.Value(ga); v != knx.BytesValue(7) {
		t.Errorf("Value() = %v, injected writes should update the table", v)
	}
}

func TestDrop_ClosesEvents(t *testing.T) {
	tr := NewTransport(Config{})
	h := openConn(t, tr, "sim://")

	tr.Drop()

	select {
	case _, ok := <-h.Events():
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(time.Second):
		t.Fatal("event channel not closed after Drop")
	}

	err := h.Write(context.Background(), knx.MustParseGroupAddress("1/1/1"), knx.BitValue(true), knx.PriorityHigh)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after Drop = %v, want ErrClosed", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("Close() after Drop = %v", err)
	}
}

func TestValuesSurviveReconnect(t *testing.T) {
	tr := NewTransport(Config{})
	ga := knx.MustParseGroupAddress("5/0/0")

	h1, err := tr.Open(context.Background(), "sim://")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := h1.Write(context.Background(), ga, knx.BytesValue(0x42), knx.PriorityHigh); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	h1.Close()

	h2 := openConn(t, tr, "sim://")
	if err := h2.RequestRead(context.Background(), ga, knx.PriorityHigh); err != nil {
		t.Fatalf("RequestRead() error: %v", err)
	}
	if ev := nextEvent(t, h2); ev.Value != knx.BytesValue(0x42) {
		t.Errorf("value after reconnect = %v", ev.Value)
	}
	if tr.Opens() != 2 {
		t.Errorf("Opens() = %d, want 2", tr.Opens())
	}
}

func TestStats(t *testing.T) {
	tr := NewTransport(Config{})
	h := openConn(t, tr, "sim://")
	ga := knx.MustParseGroupAddress("1/1/1")

	if err := h.Write(context.Background(), ga, knx.BitValue(true), knx.PriorityHigh); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	nextEvent(t, h)

	st := h.(*Conn).Stats()
	if st.TelegramsTx != 1 || st.TelegramsRx != 1 {
		t.Errorf("Stats() = %+v, want 1 tx / 1 rx", st)
	}
	if st.LastActivity.IsZero() {
		t.Error("LastActivity not set")
	}
}

func TestWithManager(t *testing.T) {
	reg := connection.NewRegistry()
	tr := NewTransport(Config{})
	reg.Register(Scheme, tr)

	mgr := connection.NewManager(reg, connection.Config{})
	defer mgr.Close(context.Background())

	if err := mgr.Connect(context.Background(), "sim://"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	tr.Drop()

	deadline := time.Now().Add(time.Second)
	for mgr.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if mgr.IsConnected() {
		t.Fatal("manager still connected after Drop")
	}
	if st := mgr.Status(); st.Losses != 1 {
		t.Errorf("Losses = %d, want 1", st.Losses)
	}
}
