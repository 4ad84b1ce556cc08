package pool

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	sshx "example.com/NullTerm/pkg/ssh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandle implements sshx.Handle for tests.
type fakeHandle struct {
	mu      sync.Mutex
	closed  bool
	pings   int
	pingErr error
}

func (h *fakeHandle) Dial(network, addr string) (net.Conn, error) {
	return nil, errors.New("fake handle: no tunnel dialing")
}

func (h *fakeHandle) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return nil, errors.New("fake handle: no tunnel dialing")
}

func (h *fakeHandle) Run(ctx context.Context, cmd string) (string, error) {
	return "ok", nil
}

func (h *fakeHandle) Ping(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pings++
	return h.pingErr
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) WaitClosed(ctx context.Context) error { return nil }

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) pingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pings
}

// fakeTransport counts dials and can be told to fail or stall.
type fakeTransport struct {
	mu      sync.Mutex
	dials   int
	err     error
	delay   time.Duration
	vias    []sshx.Handle
	handles []*fakeHandle
}

func (t *fakeTransport) Connect(ctx context.Context, target sshx.Target, via sshx.Handle) (sshx.Handle, error) {
	t.mu.Lock()
	delay := t.delay
	t.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	t.vias = append(t.vias, via)
	if t.err != nil {
		return nil, t.err
	}
	h := &fakeHandle{}
	t.handles = append(t.handles, h)
	return h, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

func (t *fakeTransport) handle(i int) *fakeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handles[i]
}

func req(host string) ConnectRequest {
	return ConnectRequest{Host: host, Port: 22, Username: "ops", Password: "secret"}
}

func TestConnectionKey(t *testing.T) {
	assert.Equal(t, "h:22:ops", ConnectionKey("h", 22, "ops"))
	assert.Equal(t, "h:2222:default", ConnectionKey("h", 2222, ""))
}

func TestGetConnectionIdempotentReuse(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft)

	rec1, err := p.GetConnection(context.Background(), req("a.example.com"))
	require.NoError(t, err)
	require.True(t, rec1.IsConnected())

	rec2, err := p.GetConnection(context.Background(), req("a.example.com"))
	require.NoError(t, err)

	assert.Same(t, rec1, rec2)
	assert.Equal(t, 1, ft.dialCount(), "healthy connection must be reused without redialing")
}

func TestPerKeyMutualExclusion(t *testing.T) {
	ft := &fakeTransport{delay: 100 * time.Millisecond}
	p := New(ft)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.GetConnection(context.Background(), req("b.example.com"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// The second caller waits on the key lock and then reuses the first result.
	assert.Equal(t, 1, ft.dialCount())
	rec, ok := p.Get(ConnectionKey("b.example.com", 22, "ops"))
	require.True(t, ok)
	assert.True(t, rec.IsConnected())
}

func TestDifferentKeysConnectIndependently(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft)

	_, err := p.GetConnection(context.Background(), req("x.example.com"))
	require.NoError(t, err)
	_, err = p.GetConnection(context.Background(), req("y.example.com"))
	require.NoError(t, err)

	assert.Equal(t, 2, ft.dialCount())
}

func TestConnectFailureRecordsError(t *testing.T) {
	ft := &fakeTransport{err: errors.New("connection refused")}
	p := New(ft)

	rec, err := p.GetConnection(context.Background(), req("down.example.com"))
	require.NoError(t, err, "connect failures are reported via the record, not as errors")
	assert.Equal(t, StateError, rec.State())
	assert.Contains(t, rec.ErrorMessage(), "connection refused")
	assert.False(t, rec.IsConnected())
}

func TestFailedRecordPersistsRetryHistory(t *testing.T) {
	ft := &fakeTransport{err: errors.New("refused")}
	p := New(ft)

	rec, err := p.GetConnection(context.Background(), req("flaky.example.com"))
	require.NoError(t, err)
	rec.incRetry()
	rec.incRetry()

	// The record stays in the table; a later GetConnection reuses it.
	rec2, err := p.GetConnection(context.Background(), req("flaky.example.com"))
	require.NoError(t, err)
	assert.Same(t, rec, rec2)
	assert.Equal(t, 2, rec2.RetryCount())
}

func TestBackoffBounds(t *testing.T) {
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 16 * time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, backoffDelay(i+1), "retry %d", i+1)
	}
}

func TestIdleEviction(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft)

	rec, err := p.GetConnection(context.Background(), req("idle.example.com"))
	require.NoError(t, err)
	h := ft.handle(0)

	rec.mu.Lock()
	rec.lastActivity = time.Now().Add(-10 * time.Minute)
	rec.mu.Unlock()

	p.sweep(context.Background())

	assert.Equal(t, StateDisconnected, rec.State())
	assert.True(t, h.isClosed())
	assert.Equal(t, 0, h.pingCount(), "evicted connection must not be probed")
}

func TestHealthyConnectionIsProbed(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft)

	rec, err := p.GetConnection(context.Background(), req("live.example.com"))
	require.NoError(t, err)

	p.sweep(context.Background())

	assert.Equal(t, StateConnected, rec.State())
	assert.Equal(t, 1, ft.handle(0).pingCount())
}

func TestProbeFailureTriggersReconnect(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft)

	rec, err := p.GetConnection(context.Background(), req("drop.example.com"))
	require.NoError(t, err)
	ft.handle(0).pingErr = errors.New("broken pipe")

	// Probe fails, the dead handle is released, and a backoff reconnect
	// (1s on the first retry) runs inside the same sweep.
	p.sweep(context.Background())

	assert.True(t, ft.handle(0).isClosed())
	assert.Equal(t, 2, ft.dialCount())
	assert.Equal(t, StateConnected, rec.State())
	assert.Equal(t, 0, rec.RetryCount(), "retry count resets after a successful reconnect")
}

func TestProbeFailureWithoutAutoReconnect(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft, WithAutoReconnect(false))

	rec, err := p.GetConnection(context.Background(), req("drop2.example.com"))
	require.NoError(t, err)
	ft.handle(0).pingErr = errors.New("broken pipe")

	p.sweep(context.Background())

	assert.Equal(t, StateDisconnected, rec.State())
	assert.Equal(t, 1, ft.dialCount())
}

func TestRetryExhaustionLeavesErrorState(t *testing.T) {
	ft := &fakeTransport{err: errors.New("refused")}
	p := New(ft, WithMaxRetries(2))

	rec, err := p.GetConnection(context.Background(), req("gone.example.com"))
	require.NoError(t, err)
	rec.mu.Lock()
	rec.retryCount = 2
	rec.mu.Unlock()

	before := ft.dialCount()
	p.sweep(context.Background())

	assert.Equal(t, before, ft.dialCount(), "no reconnect once retries are exhausted")
	assert.Equal(t, StateError, rec.State())
}

func TestRestoreSessionForcesReconnect(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft)

	rec, err := p.GetConnection(context.Background(), req("r.example.com"))
	require.NoError(t, err)
	rec.incRetry()

	rec2, err := p.RestoreSession(context.Background(), req("r.example.com"))
	require.NoError(t, err)

	assert.Same(t, rec, rec2)
	assert.Equal(t, 2, ft.dialCount(), "restore always redials")
	assert.True(t, ft.handle(0).isClosed(), "the old handle is closed before redialing")
	assert.Equal(t, 0, rec2.RetryCount())
	assert.True(t, rec2.IsConnected())
}

func TestRemoveConnectionDropsRetryHistory(t *testing.T) {
	ft := &fakeTransport{err: errors.New("refused")}
	p := New(ft)

	rec, err := p.GetConnection(context.Background(), req("rm.example.com"))
	require.NoError(t, err)
	rec.incRetry()

	key := ConnectionKey("rm.example.com", 22, "ops")
	assert.True(t, p.RemoveConnection(context.Background(), key))
	_, ok := p.Get(key)
	assert.False(t, ok)

	ft.setErr(nil)
	rec2, err := p.GetConnection(context.Background(), req("rm.example.com"))
	require.NoError(t, err)
	assert.NotSame(t, rec, rec2)
	assert.Equal(t, 0, rec2.RetryCount())
}

func TestTunnelConnection(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft)

	r := req("target.internal")
	r.TunnelHost = "bastion.example.com"
	r.TunnelPort = 22
	r.TunnelUsername = "jump"

	rec, err := p.GetConnection(context.Background(), r)
	require.NoError(t, err)
	require.True(t, rec.IsConnected())

	// Tunnel connects first (depth-first), then the target dials through it.
	require.Equal(t, 2, ft.dialCount())
	assert.Nil(t, ft.vias[0], "the jump host dials directly")
	assert.Same(t, ft.handles[0], ft.vias[1].(*fakeHandle), "the target dials through the jump host handle")

	tkey := ConnectionKey("bastion.example.com", 22, "jump")
	assert.Equal(t, tkey, rec.TunnelKey())
	trec, ok := p.Get(tkey)
	require.True(t, ok)
	assert.True(t, trec.IsConnected())
}

func TestTunnelFailureSurfacesOnDependent(t *testing.T) {
	ft := &fakeTransport{err: errors.New("bastion unreachable")}
	p := New(ft)

	r := req("target.internal")
	r.TunnelHost = "bastion.example.com"

	rec, err := p.GetConnection(context.Background(), r)
	require.NoError(t, err)

	assert.Equal(t, StateError, rec.State())
	assert.Contains(t, rec.ErrorMessage(), "tunnel")
	assert.Contains(t, rec.ErrorMessage(), "bastion unreachable")
}

func TestStateCallbacks(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft)

	var mu sync.Mutex
	var states []State
	p.AddStateCallback(func(key string, state State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, state)
	})

	_, err := p.GetConnection(context.Background(), req("cb.example.com"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []State{StateConnecting, StateConnected}, states)
}

func TestCallbackPanicDoesNotAbortPool(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft)

	p.AddStateCallback(func(key string, state State) {
		panic("observer bug")
	})

	rec, err := p.GetConnection(context.Background(), req("panic.example.com"))
	require.NoError(t, err)
	assert.True(t, rec.IsConnected())
}

func TestRemoveStateCallback(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft)

	var mu sync.Mutex
	calls := 0
	id := p.AddStateCallback(func(key string, state State) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	})
	p.RemoveStateCallback(id)

	_, err := p.GetConnection(context.Background(), req("nocb.example.com"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestBackoffSleepIsCancellable(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft)

	rec := p.newRecord(ConnectionKey("slow.example.com", 22, "ops"), req("slow.example.com"))
	rec.mu.Lock()
	rec.state = StateError
	rec.retryCount = 4 // next delay would be 16s
	rec.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	p.tryReconnect(ctx, rec)
	assert.Less(t, time.Since(start), time.Second, "shutdown must abort pending backoff sleeps")
	assert.Equal(t, 0, ft.dialCount())
}

func TestStartStop(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft, WithKeepAliveInterval(5*time.Second))

	p.Start()
	assert.True(t, p.Running())
	p.Start() // idempotent

	_, err := p.GetConnection(context.Background(), req("s.example.com"))
	require.NoError(t, err)

	p.Stop()
	assert.False(t, p.Running())
	assert.True(t, ft.handle(0).isClosed(), "stop closes tracked connections")
}

func TestStopClosesHandleFromInFlightConnect(t *testing.T) {
	// connect 故意拖过 Stop 的等锁窗口，逼出句柄安装与停机的竞争
	ft := &fakeTransport{delay: closeWait + 500*time.Millisecond}
	p := New(ft)
	p.Start()

	key := ConnectionKey("race.example.com", 22, "ops")
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.GetConnection(context.Background(), req("race.example.com"))
	}()

	require.Eventually(t, func() bool {
		rec, ok := p.Get(key)
		return ok && rec.State() == StateConnecting
	}, time.Second, 5*time.Millisecond, "connect must be in flight before Stop")

	p.Stop()
	<-done

	require.Equal(t, 1, ft.dialCount())
	assert.True(t, ft.handle(0).isClosed(), "handle installed mid-stop must not leak")
	rec, ok := p.Get(key)
	require.True(t, ok)
	assert.False(t, rec.IsConnected())
}

func TestStatus(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft)

	_, err := p.GetConnection(context.Background(), req("ok.example.com"))
	require.NoError(t, err)
	ft.setErr(errors.New("refused"))
	_, err = p.GetConnection(context.Background(), req("bad.example.com"))
	require.NoError(t, err)

	st := p.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 2, st.TotalConnections)
	assert.Equal(t, 1, st.ConnectedCount)
	assert.Equal(t, DefaultKeepAliveInterval, st.KeepAliveInterval)
	assert.True(t, st.AutoReconnect)
	require.Len(t, st.Connections, 2)
	for _, snap := range st.Connections {
		assert.Equal(t, "ops", snap.Username)
		assert.NotEmpty(t, snap.State)
	}
}

func TestSetterClamping(t *testing.T) {
	p := New(&fakeTransport{})

	p.SetKeepAliveInterval(time.Second)
	assert.Equal(t, minKeepAliveInterval, p.KeepAliveInterval())
	p.SetKeepAliveInterval(time.Minute)
	assert.Equal(t, time.Minute, p.KeepAliveInterval())

	p.SetMaxIdleTime(time.Second)
	assert.Equal(t, minMaxIdleTime, p.MaxIdleTime())

	p.SetAutoReconnect(false)
	assert.False(t, p.AutoReconnect())
}

func TestSnapshotOmitsCredentials(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft)

	rec, err := p.GetConnection(context.Background(), req("snap.example.com"))
	require.NoError(t, err)

	snap := rec.Snapshot()
	assert.Equal(t, "snap.example.com", snap.Host)
	assert.Equal(t, "connected", snap.State)
	assert.NotZero(t, snap.ConnectedAt)
	assert.GreaterOrEqual(t, snap.Uptime, time.Duration(0))
}

func TestUptimeZeroBeforeConnect(t *testing.T) {
	rec := &Record{Key: "k", Host: "h", Port: 22}
	assert.Zero(t, rec.Uptime())
	assert.False(t, rec.IsConnected())
	assert.Equal(t, StateDisconnected, rec.State())
}
