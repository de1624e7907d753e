package groupcomm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
	"github.com/nerrad567/knxlink/internal/connection"
	"github.com/nerrad567/knxlink/internal/simbus"
)

type testEnv struct {
	sim *simbus.Transport
	mgr *connection.Manager
	svc *Service
}

func setup(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	sim := simbus.NewTransport(simbus.Config{})
	mgr := connection.NewManager(sim, connection.Config{ConnectTimeout: time.Second})
	svc, err := New(mgr, cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		svc.Close()
		mgr.Close(context.Background())
	})
	return &testEnv{sim: sim, mgr: mgr, svc: svc}
}

func (e *testEnv) connect(t *testing.T) {
	t.Helper()
	if err := e.mgr.Connect(context.Background(), "sim://"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

type readOutcome struct {
	value knx.GroupValue
	err   error
}

func (e *testEnv) readAsync(ctx context.Context, ga knx.GroupAddress, opts ...Option) <-chan readOutcome {
	out := make(chan readOutcome, 1)
	go func() {
		v, err := e.svc.ReadOne(ctx, ga, opts...)
		out <- readOutcome{v, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan readOutcome) readOutcome {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("ReadOne did not return within 2s")
		return readOutcome{}
	}
}

func TestScenario_WriteThenRead(t *testing.T) {
	env := setup(t, Config{})
	env.connect(t)
	ctx := context.Background()
	ga := knx.MustParseGroupAddress("1/2/3")

	if err := env.svc.Write(ctx, ga, knx.BitValue(true)); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	v, err := env.svc.ReadOne(ctx, ga)
	if err != nil {
		t.Fatalf("ReadOne() error: %v", err)
	}
	if v != knx.BitValue(true) {
		t.Errorf("ReadOne() = %v/%d, want true", v, v.Bits())
	}
}

func TestReadOne_ConcurrentReadsShareOneRequest(t *testing.T) {
	env := setup(t, Config{})
	env.connect(t)
	ga := knx.MustParseGroupAddress("2/1/10")
	env.sim.Mute(ga, true)

	ctx := context.Background()
	first := env.readAsync(ctx, ga)
	waitFor(t, func() bool { return env.sim.ReadRequests(ga) == 1 })
	second := env.readAsync(ctx, ga)
	waitFor(t, func() bool { return env.svc.Stats().ReadsJoined == 1 })

	want := knx.BytesValue(0x0C, 0x66)
	if err := env.sim.Inject(knx.GroupEvent{Destination: ga, Value: want, Kind: knx.EventReadResponse}); err != nil {
		t.Fatalf("Inject() error: %v", err)
	}

	for i, ch := range []<-chan readOutcome{first, second} {
		r := await(t, ch)
		if r.err != nil {
			t.Fatalf("reader %d error: %v", i, r.err)
		}
		if r.value != want {
			t.Errorf("reader %d got %v, want %v", i, r.value, want)
		}
	}
	if n := env.sim.ReadRequests(ga); n != 1 {
		t.Errorf("ReadRequests = %d, want exactly 1", n)
	}
	if n := env.svc.Stats().PendingReads; n != 0 {
		t.Errorf("PendingReads = %d after resolution, want 0", n)
	}
}

func TestWrite_NotConnected(t *testing.T) {
	env := setup(t, Config{})
	ga := knx.MustParseGroupAddress("1/2/3")

	err := env.svc.Write(context.Background(), ga, knx.BitValue(true))
	if !errors.Is(err, knx.ErrNotConnected) {
		t.Errorf("Write() error = %v, want ErrNotConnected", err)
	}
	if n := env.sim.Writes(ga); n != 0 {
		t.Errorf("transport saw %d writes, want 0", n)
	}
	if n := env.sim.Opens(); n != 0 {
		t.Errorf("transport opened %d times, want 0", n)
	}
}

func TestReadOne_NotConnected(t *testing.T) {
	env := setup(t, Config{})

	_, err := env.svc.ReadOne(context.Background(), knx.MustParseGroupAddress("1/2/3"))
	if !errors.Is(err, knx.ErrNotConnected) {
		t.Errorf("ReadOne() error = %v, want ErrNotConnected", err)
	}
}

func TestReadOne_DisconnectWhilePending(t *testing.T) {
	env := setup(t, Config{})
	env.connect(t)
	ga := knx.MustParseGroupAddress("3/0/1")
	env.sim.Mute(ga, true)

	ch := env.readAsync(context.Background(), ga)
	waitFor(t, func() bool { return env.sim.ReadRequests(ga) == 1 })

	if err := env.mgr.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}

	r := await(t, ch)
	if !errors.Is(r.err, knx.ErrConnectionLost) {
		t.Errorf("ReadOne() error = %v, want ErrConnectionLost", r.err)
	}
}

func TestReadOne_LinkDroppedWhilePending(t *testing.T) {
	env := setup(t, Config{})
	env.connect(t)
	ga := knx.MustParseGroupAddress("3/0/2")
	env.sim.Mute(ga, true)

	ch := env.readAsync(context.Background(), ga)
	waitFor(t, func() bool { return env.sim.ReadRequests(ga) == 1 })

	env.sim.Drop()

	r := await(t, ch)
	if !errors.Is(r.err, knx.ErrConnectionLost) {
		t.Errorf("ReadOne() error = %v, want ErrConnectionLost", r.err)
	}
}

func TestReadOne_WriteEventAnswersRead(t *testing.T) {
	env := setup(t, Config{})
	env.connect(t)
	ga := knx.MustParseGroupAddress("4/2/7")
	env.sim.Mute(ga, true)

	ch := env.readAsync(context.Background(), ga)
	waitFor(t, func() bool { return env.sim.ReadRequests(ga) == 1 })

	want := knx.BytesValue(0x80)
	if err := env.sim.Inject(knx.GroupEvent{Destination: ga, Value: want, Kind: knx.EventWrite}); err != nil {
		t.Fatalf("Inject() error: %v", err)
	}

	r := await(t, ch)
	if r.err != nil || r.value != want {
		t.Errorf("ReadOne() = %v, %v; want %v, nil", r.value, r.err, want)
	}
}

func TestReadOne_ReadRequestEventIgnored(t *testing.T) {
	env := setup(t, Config{})
	env.connect(t)
	ga := knx.MustParseGroupAddress("4/2/8")
	env.sim.Mute(ga, true)

	ch := env.readAsync(context.Background(), ga, WithTimeout(80*time.Millisecond))
	waitFor(t, func() bool { return env.sim.ReadRequests(ga) == 1 })

	if err := env.sim.Inject(knx.GroupEvent{Destination: ga, Kind: knx.EventReadRequest}); err != nil {
		t.Fatalf("Inject() error: %v", err)
	}

	r := await(t, ch)
	if !errors.Is(r.err, knx.ErrTimeout) {
		t.Errorf("ReadOne() error = %v, want ErrTimeout", r.err)
	}
}

func TestReadOne_TimeoutThenFreshRequest(t *testing.T) {
	env := setup(t, Config{})
	env.connect(t)
	ga := knx.MustParseGroupAddress("0/1/1")
	env.sim.Mute(ga, true)
	ctx := context.Background()

	start := time.Now()
	_, err := env.svc.ReadOne(ctx, ga, WithTimeout(50*time.Millisecond))
	if !errors.Is(err, knx.ErrTimeout) {
		t.Fatalf("ReadOne() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("ReadOne() returned after %v, before the timeout", elapsed)
	}
	if n := env.svc.Stats().PendingReads; n != 0 {
		t.Errorf("PendingReads = %d after timeout, want 0", n)
	}

	_, err = env.svc.ReadOne(ctx, ga, WithTimeout(50*time.Millisecond))
	if !errors.Is(err, knx.ErrTimeout) {
		t.Fatalf("second ReadOne() error = %v, want ErrTimeout", err)
	}
	if n := env.sim.ReadRequests(ga); n != 2 {
		t.Errorf("ReadRequests = %d, want 2 (a fresh request per call)", n)
	}
}

func TestReadOne_ContextOutcomes(t *testing.T) {
	env := setup(t, Config{})
	env.connect(t)
	ga := knx.MustParseGroupAddress("5/5/5")
	env.sim.Mute(ga, true)

	ctx, cancel := context.WithCancel(context.Background())
	ch := env.readAsync(ctx, ga)
	waitFor(t, func() bool { return env.sim.ReadRequests(ga) == 1 })
	cancel()
	if r := await(t, ch); !errors.Is(r.err, knx.ErrCancelled) {
		t.Errorf("cancelled ReadOne() error = %v, want ErrCancelled", r.err)
	}

	dctx, dcancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer dcancel()
	if _, err := env.svc.ReadOne(dctx, ga); !errors.Is(err, knx.ErrTimeout) {
		t.Errorf("deadline ReadOne() error = %v, want ErrTimeout", err)
	}
}

func TestReadOne_JoinerLeavingKeepsRequest(t *testing.T) {
	env := setup(t, Config{})
	env.connect(t)
	ga := knx.MustParseGroupAddress("6/1/1")
	env.sim.Mute(ga, true)

	first := env.readAsync(context.Background(), ga)
	waitFor(t, func() bool { return env.sim.ReadRequests(ga) == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	second := env.readAsync(ctx, ga)
	waitFor(t, func() bool { return env.svc.Stats().ReadsJoined == 1 })
	cancel()
	if r := await(t, second); !errors.Is(r.err, knx.ErrCancelled) {
		t.Fatalf("joiner error = %v, want ErrCancelled", r.err)
	}
	if n := env.svc.Stats().PendingReads; n != 1 {
		t.Fatalf("PendingReads = %d, want 1 while the creator still waits", n)
	}

	if err := env.sim.Inject(knx.GroupEvent{Destination: ga, Value: knx.BitValue(false), Kind: knx.EventReadResponse}); err != nil {
		t.Fatalf("Inject() error: %v", err)
	}
	if r := await(t, first); r.err != nil || r.value != knx.BitValue(false) {
		t.Errorf("creator got %v, %v", r.value, r.err)
	}
}

func TestReadOne_LatencyWithinTimeout(t *testing.T) {
	env := setup(t, Config{})
	if err := env.mgr.Connect(context.Background(), "sim://?latency=20ms"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	ga := knx.MustParseGroupAddress("1/1/1")
	env.sim.Set(ga, knx.BytesValue(42))

	v, err := env.svc.ReadOne(context.Background(), ga, WithTimeout(time.Second))
	if err != nil || v != knx.BytesValue(42) {
		t.Errorf("ReadOne() = %v, %v", v, err)
	}
}

func TestWrite_TransportError(t *testing.T) {
	env := setup(t, Config{})
	env.connect(t)
	boom := errors.New("bus nak")
	env.sim.SetWriteError(boom)

	err := env.svc.Write(context.Background(), knx.MustParseGroupAddress("1/2/3"), knx.BitValue(true))
	if !errors.Is(err, knx.ErrTransport) || !errors.Is(err, boom) {
		t.Errorf("Write() error = %v, want ErrTransport wrapping the cause", err)
	}
	if st := env.svc.Stats(); st.WriteErrors != 1 {
		t.Errorf("WriteErrors = %d, want 1", st.WriteErrors)
	}
}

func TestWrite_EmptyValueRejected(t *testing.T) {
	env := setup(t, Config{})
	env.connect(t)

	err := env.svc.Write(context.Background(), knx.MustParseGroupAddress("1/2/3"), knx.GroupValue{})
	if !errors.Is(err, knx.ErrInvalidGroupValue) {
		t.Errorf("Write() error = %v, want ErrInvalidGroupValue", err)
	}
}

func TestPriorities(t *testing.T) {
	env := setup(t, Config{DefaultPriority: "low"})
	env.connect(t)
	ctx := context.Background()
	ga := knx.MustParseGroupAddress("7/0/1")

	if err := env.svc.Write(ctx, ga, knx.BitValue(true)); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if p, _ := env.sim.LastPriority(ga); p != knx.PriorityLow {
		t.Errorf("default priority = %v, want low", p)
	}

	if err := env.svc.Write(ctx, ga, knx.BitValue(true), WithPriority(knx.PriorityAlarm)); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if p, _ := env.sim.LastPriority(ga); p != knx.PriorityAlarm {
		t.Errorf("explicit priority = %v, want alarm", p)
	}

	if _, err := env.svc.ReadOne(ctx, ga, WithPriority(knx.PrioritySystem)); err != nil {
		t.Fatalf("ReadOne() error: %v", err)
	}
	if p, _ := env.sim.LastPriority(ga); p != knx.PrioritySystem {
		t.Errorf("read priority = %v, want system", p)
	}
}

func TestReadMany_PartialFailures(t *testing.T) {
	env := setup(t, Config{ReadTimeout: 40 * time.Millisecond})
	env.connect(t)

	a := knx.MustParseGroupAddress("1/0/1")
	b := knx.MustParseGroupAddress("1/0/2")
	c := knx.MustParseGroupAddress("1/0/3")
	env.sim.Set(a, knx.BitValue(true))
	env.sim.Set(c, knx.BytesValue(0x10))

	results, err := env.svc.ReadMany(context.Background(), []knx.GroupAddress{a, b, c})
	if err != nil {
		t.Fatalf("ReadMany() error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("ReadMany() returned %d results, want 3", len(results))
	}
	if r := results[a]; r.Err != nil || r.Value != knx.BitValue(true) {
		t.Errorf("result[a] = %+v", r)
	}
	if r := results[b]; !errors.Is(r.Err, knx.ErrTimeout) {
		t.Errorf("result[b] error = %v, want ErrTimeout", r.Err)
	}
	if r := results[c]; r.Err != nil || r.Value != knx.BytesValue(0x10) {
		t.Errorf("result[c] = %+v", r)
	}
}

func TestReadMany_AbortsWhenDisconnected(t *testing.T) {
	env := setup(t, Config{})

	gas := []knx.GroupAddress{knx.MustParseGroupAddress("1/0/1"), knx.MustParseGroupAddress("1/0/2")}
	results, err := env.svc.ReadMany(context.Background(), gas)
	if !errors.Is(err, knx.ErrNotConnected) {
		t.Fatalf("ReadMany() error = %v, want ErrNotConnected", err)
	}
	if len(results) != 1 {
		t.Errorf("ReadMany() returned %d results, want the 1 attempted", len(results))
	}
}

func TestWriteMany_AlignedResults(t *testing.T) {
	env := setup(t, Config{BulkInterval: 5 * time.Millisecond})
	env.connect(t)

	reqs := []WriteRequest{
		{Address: knx.MustParseGroupAddress("1/0/1"), Value: knx.BitValue(true)},
		{Address: knx.MustParseGroupAddress("1/0/2"), Value: knx.GroupValue{}},
		{Address: knx.MustParseGroupAddress("1/0/3"), Value: knx.BytesValue(0x20)},
	}

	start := time.Now()
	results, err := env.svc.WriteMany(context.Background(), reqs)
	if err != nil {
		t.Fatalf("WriteMany() error: %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("WriteMany() ignored BulkInterval")
	}
	if len(results) != len(reqs) {
		t.Fatalf("WriteMany() returned %d results, want %d", len(results), len(reqs))
	}
	for i, r := range results {
		if r.Address != reqs[i].Address {
			t.Errorf("result %d address = %v, want %v", i, r.Address, reqs[i].Address)
		}
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("unexpected errors: %v, %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, knx.ErrInvalidGroupValue) {
		t.Errorf("result 1 error = %v, want ErrInvalidGroupValue", results[1].Err)
	}
	if v, _ := env.sim.Value(reqs[2].Address); v != knx.BytesValue(0x20) {
		t.Errorf("stored value = %v", v)
	}
}

func TestWriteMany_StopsOnConnectionLoss(t *testing.T) {
	env := setup(t, Config{BulkInterval: 20 * time.Millisecond})
	env.connect(t)

	reqs := make([]WriteRequest, 10)
	for i := range reqs {
		reqs[i] = WriteRequest{Address: knx.GroupAddress{Main: 1, Sub: uint8(i)}, Value: knx.BitValue(true)}
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		env.sim.Drop()
	}()

	results, err := env.svc.WriteMany(context.Background(), reqs)
	if !errors.Is(err, knx.ErrNotConnected) && !errors.Is(err, knx.ErrTransport) {
		t.Fatalf("WriteMany() error = %v, want the connection failure", err)
	}
	if len(results) == 0 || len(results) == len(reqs) {
		t.Errorf("WriteMany() returned %d results, want a partial prefix", len(results))
	}
}

func TestSubscribeEvents(t *testing.T) {
	env := setup(t, Config{})

	var mu sync.Mutex
	var events []knx.GroupEvent
	var states []connection.State

	if _, err := env.svc.SubscribeEvents("test", func(ev knx.GroupEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("SubscribeEvents() error: %v", err)
	}
	if _, err := env.svc.SubscribeState("test", func(c connection.StateChange) {
		mu.Lock()
		states = append(states, c.To)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("SubscribeState() error: %v", err)
	}

	env.connect(t)
	ga := knx.MustParseGroupAddress("1/2/3")
	for _, kind := range []knx.EventKind{knx.EventReadRequest, knx.EventWrite, knx.EventReadResponse} {
		if err := env.sim.Inject(knx.GroupEvent{Destination: ga, Value: knx.BitValue(true), Kind: kind}); err != nil {
			t.Fatalf("Inject() error: %v", err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3 && len(states) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if events[0].Kind != knx.EventReadRequest || events[1].Kind != knx.EventWrite || events[2].Kind != knx.EventReadResponse {
		t.Errorf("events out of order: %v", events)
	}
	for _, ev := range events {
		if ev.Epoch != 1 || ev.Source != "1.1.250" {
			t.Errorf("event = %+v", ev)
		}
	}
	if states[0] != connection.StateOpening || states[1] != connection.StateConnected {
		t.Errorf("states = %v", states)
	}
}

func TestReconnectStartsNewEpoch(t *testing.T) {
	env := setup(t, Config{})
	env.connect(t)
	ga := knx.MustParseGroupAddress("2/2/2")
	env.sim.Set(ga, knx.BitValue(true))

	env.sim.Drop()
	waitFor(t, func() bool { return !env.mgr.IsConnected() })
	env.connect(t)

	v, err := env.svc.ReadOne(context.Background(), ga)
	if err != nil || v != knx.BitValue(true) {
		t.Errorf("ReadOne() after reconnect = %v, %v", v, err)
	}
	if env.mgr.Epoch() != 2 {
		t.Errorf("Epoch() = %d, want 2", env.mgr.Epoch())
	}
}

func TestNew_InvalidPriority(t *testing.T) {
	mgr := connection.NewManager(simbus.NewTransport(simbus.Config{}), connection.Config{})
	defer mgr.Close(context.Background())

	if _, err := New(mgr, Config{DefaultPriority: "critical"}); err == nil {
		t.Error("New() with an unknown priority should fail")
	}
}

func TestClose_FailsPendingReads(t *testing.T) {
	env := setup(t, Config{})
	env.connect(t)
	ga := knx.MustParseGroupAddress("1/7/1")
	env.sim.Mute(ga, true)

	ch := env.readAsync(context.Background(), ga)
	waitFor(t, func() bool { return env.sim.ReadRequests(ga) == 1 })

	env.svc.Close()
	if r := await(t, ch); !errors.Is(r.err, knx.ErrCancelled) {
		t.Errorf("ReadOne() error = %v, want ErrCancelled", r.err)
	}
	if _, err := env.svc.ReadOne(context.Background(), ga); !errors.Is(err, knx.ErrCancelled) {
		t.Errorf("ReadOne() after Close error = %v, want ErrCancelled", err)
	}
}

func TestEndsEpoch(t *testing.T) {
	tests := []struct {
		name  string
		to    connection.State
		epoch uint64
		want  bool
	}{
		{"opening of the same epoch", connection.StateOpening, 3, false},
		{"connected of the same epoch", connection.StateConnected, 3, false},
		{"closing of the same epoch", connection.StateClosing, 3, true},
		{"closed of the same epoch", connection.StateClosed, 3, true},
		{"closed of an earlier epoch", connection.StateClosed, 2, false},
		{"closing of an earlier epoch", connection.StateClosing, 2, false},
		{"opening of a later epoch", connection.StateOpening, 4, true},
		{"connected of a later epoch", connection.StateConnected, 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := connection.StateChange{To: tt.to, Epoch: tt.epoch}
			if got := endsEpoch(c, 3); got != tt.want {
				t.Errorf("endsEpoch(%s@%d, 3) = %v, want %v", tt.to, tt.epoch, got, tt.want)
			}
		})
	}
}

// Each subscriber drains its own queue, so the service can see state
// changes well after the caller did.
func TestReadOne_LateStateEventsKeepRead(t *testing.T) {
	env := setup(t, Config{})
	env.connect(t)
	ga := knx.MustParseGroupAddress("3/1/4")
	env.sim.Mute(ga, true)

	ch := env.readAsync(context.Background(), ga)
	waitFor(t, func() bool { return env.sim.ReadRequests(ga) == 1 })

	epoch := env.mgr.Epoch()
	for _, c := range []connection.StateChange{
		{From: connection.StateConnected, To: connection.StateClosed, Epoch: epoch - 1},
		{From: connection.StateClosed, To: connection.StateOpening, Epoch: epoch},
		{From: connection.StateOpening, To: connection.StateConnected, Epoch: epoch},
	} {
		env.svc.handleEvent(connection.Event{Type: connection.EventStateChanged, State: c})
	}
	if n := env.svc.Stats().PendingReads; n != 1 {
		t.Fatalf("PendingReads = %d after late state events, want 1", n)
	}

	want := knx.BytesValue(0x2A)
	if err := env.sim.Inject(knx.GroupEvent{Destination: ga, Value: want, Kind: knx.EventReadResponse}); err != nil {
		t.Fatalf("Inject() error: %v", err)
	}
	r := await(t, ch)
	if r.err != nil || r.value != want {
		t.Errorf("ReadOne() = %v, %v; want %v, nil", r.value, r.err, want)
	}
}

func TestReadOne_ConnectReadDisconnectCycles(t *testing.T) {
	env := setup(t, Config{})
	ga := knx.MustParseGroupAddress("1/2/3")
	env.sim.Set(ga, knx.BitValue(true))
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		env.connect(t)
		v, err := env.svc.ReadOne(ctx, ga, WithTimeout(time.Second))
		if err != nil || v != knx.BitValue(true) {
			t.Fatalf("cycle %d: ReadOne() = %v, %v", i, v, err)
		}
		if err := env.mgr.Disconnect(ctx); err != nil {
			t.Fatalf("cycle %d: Disconnect() error: %v", i, err)
		}
	}
}

type countingLogger struct {
	debug atomic.Int64
}

func (l *countingLogger) Debug(string, ...any) { l.debug.Add(1) }
func (l *countingLogger) Info(string, ...any)  {}
func (l *countingLogger) Warn(string, ...any)  {}
func (l *countingLogger) Error(string, ...any) {}

func TestSetLogger_WhileWriting(t *testing.T) {
	env := setup(t, Config{})
	env.connect(t)
	ga := knx.MustParseGroupAddress("5/0/1")
	logger := &countingLogger{}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			env.svc.Write(context.Background(), ga, knx.BitValue(i%2 == 0)) //nolint:errcheck // only the logger is under test
		}
	}()
	env.svc.SetLogger(logger)
	wg.Wait()

	if err := env.svc.Write(context.Background(), ga, knx.BitValue(true)); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if logger.debug.Load() == 0 {
		t.Error("logger set during writes never received a debug entry")
	}
}
