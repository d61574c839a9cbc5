package mitm

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tturner/mbmitm/internal/metrics"
	"github.com/tturner/mbmitm/internal/modbus"
	"github.com/tturner/mbmitm/internal/simulator"
)

// recordingUpstream accepts connections, records each buffer it reads and
// answers with respond(buffer).
type recordingUpstream struct {
	ln      net.Listener
	respond func([]byte) []byte

	mu     sync.Mutex
	frames [][]byte
}

func newRecordingUpstream(t *testing.T, respond func([]byte) []byte) *recordingUpstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	u := &recordingUpstream{ln: ln, respond: respond}
	t.Cleanup(func() { ln.Close() })
	go u.serve()
	return u
}

func (u *recordingUpstream) serve() {
	for {
		conn, err := u.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			buf := make([]byte, 1024)
			for {
				n, err := conn.Read(buf)
				if err != nil {
					return
				}
				in := append([]byte(nil), buf[:n]...)
				u.mu.Lock()
				u.frames = append(u.frames, in)
				u.mu.Unlock()
				if _, err := conn.Write(u.respond(in)); err != nil {
					return
				}
			}
		}()
	}
}

func (u *recordingUpstream) received() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]byte(nil), u.frames...)
}

func echo(b []byte) []byte { return b }

func startProxy(t *testing.T, upstream string, overrides map[uint16]uint16, opts ...Option) *Proxy {
	t.Helper()
	return startProxyConfig(t, Config{Upstream: upstream}, overrides, opts...)
}

// startProxyConfig serves a proxy on a loopback port; cfg.Listen and a zero
// DialTimeout are filled in.
func startProxyConfig(t *testing.T, cfg Config, overrides map[uint16]uint16, opts ...Option) *Proxy {
	t.Helper()
	cfg.Listen = "127.0.0.1:0"
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	p := New(cfg, NewOverrideTable(overrides), opts...)
	require.NoError(t, p.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return p
}

func dialProxy(t *testing.T, p *Proxy) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// exchange sends one frame and reads exactly one MBAP response.
func exchange(t *testing.T, conn net.Conn, frame []byte) []byte {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := conn.Write(frame)
	require.NoError(t, err)
	resp, err := modbus.ReadFrame(conn)
	require.NoError(t, err)
	return resp
}

func startSimulator(t *testing.T) *simulator.Server {
	t.Helper()
	store := modbus.NewDataStore(modbus.DataStoreConfig{HoldingRegisterCount: 100})
	sim := simulator.New(simulator.Config{Listen: "127.0.0.1:0", UnitID: 1}, store, nil)
	require.NoError(t, sim.Start())
	t.Cleanup(func() { sim.Stop() })
	return sim
}

func TestProxyScenario(t *testing.T) {
	sim := startSimulator(t)
	collector := metrics.NewCollector()
	p := startProxy(t, sim.Addr().String(), map[uint16]uint16{2: 0x1000}, WithMetrics(collector))

	clientA := dialProxy(t, p)

	// Write is falsified upstream, acknowledged with the client's value.
	ack := exchange(t, clientA, writeFrame(1, 2, 0x1234))
	assert.Equal(t, uint16(0x1234), binary.BigEndian.Uint16(ack[modbus.OffsetValue:]))
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(ack[0:2]))
	v, err := sim.Store().GetHoldingRegister(2)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1000), v, "device must hold the forced value")

	// A's read is masked with its own value.
	resp := exchange(t, clientA, readFrame(2, 2, 1))
	regs, err := modbus.DecodeReadRegistersResponse(resp[modbus.OffsetByteCount:])
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x1234}, regs)

	// B never wrote, so it sees the device's raw value.
	clientB := dialProxy(t, p)
	resp = exchange(t, clientB, readFrame(1, 2, 1))
	regs, err = modbus.DecodeReadRegistersResponse(resp[modbus.OffsetByteCount:])
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x1000}, regs)

	assert.Equal(t, 2, p.Shadows().Len())

	summary := collector.GetSummary()
	assert.Equal(t, 3, summary.Requests)
	assert.Equal(t, 3, summary.Rewrites, "forced write, restored ack, masked read")
	assert.Zero(t, summary.Anomalies)
}

func TestProxyWriteOutsideOverridesIsTransparent(t *testing.T) {
	upstream := newRecordingUpstream(t, echo)
	p := startProxy(t, upstream.ln.Addr().String(), map[uint16]uint16{2: 0x1000})
	client := dialProxy(t, p)

	frame := writeFrame(5, 3, 0x1234)
	resp := exchange(t, client, frame)
	assert.True(t, bytes.Equal(frame, resp))

	got := upstream.received()
	require.Len(t, got, 1)
	assert.True(t, bytes.Equal(frame, got[0]))
}

func TestProxyUpstreamSeesOverride(t *testing.T) {
	upstream := newRecordingUpstream(t, echo)
	p := startProxy(t, upstream.ln.Addr().String(), map[uint16]uint16{2: 0x1000})
	client := dialProxy(t, p)

	ack := exchange(t, client, writeFrame(1, 2, 0x1234))
	assert.Equal(t, uint16(0x1234), binary.BigEndian.Uint16(ack[modbus.OffsetValue:]))

	got := upstream.received()
	require.Len(t, got, 1)
	assert.Equal(t, uint16(0x1000), binary.BigEndian.Uint16(got[0][modbus.OffsetValue:]))
}

func TestProxyShortBufferFailsOpen(t *testing.T) {
	upstream := newRecordingUpstream(t, echo)
	collector := metrics.NewCollector()
	p := startProxy(t, upstream.ln.Addr().String(), map[uint16]uint16{2: 0x1000}, WithMetrics(collector))
	client := dialProxy(t, p)

	short := []byte{0x00, 0x01, 0x00, 0x00, 0x00}
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := client.Write(short)
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, short, buf[:n])

	got := upstream.received()
	require.Len(t, got, 1)
	assert.Equal(t, short, got[0])
	assert.Equal(t, 1, collector.GetSummary().Anomalies)
}

func TestProxyByteCountMismatchFailsOpen(t *testing.T) {
	bogus := readResponseFrame(1, 0x1000)
	bogus[modbus.OffsetByteCount] = 4
	upstream := newRecordingUpstream(t, func(req []byte) []byte {
		if req[modbus.OffsetFunction] == byte(modbus.FcWriteSingleRegister) {
			return req
		}
		return bogus
	})
	p := startProxy(t, upstream.ln.Addr().String(), map[uint16]uint16{2: 0x1000})
	client := dialProxy(t, p)

	exchange(t, client, writeFrame(1, 2, 0x1234))

	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := client.Write(readFrame(1, 2, 1))
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, bogus, buf[:n])
}

func TestProxyShadowRemovedOnDisconnect(t *testing.T) {
	sim := startSimulator(t)
	p := startProxy(t, sim.Addr().String(), map[uint16]uint16{2: 0x1000})

	client, err := net.Dial("tcp", p.Addr().String())
	require.NoError(t, err)
	exchange(t, client, writeFrame(1, 2, 0x1234))
	require.Equal(t, 1, p.Shadows().Len())

	client.Close()
	require.Eventually(t, func() bool {
		return p.Shadows().Len() == 0 && p.ActiveSessions() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// A new client starts with no shadow and sees the raw value.
	other := dialProxy(t, p)
	resp := exchange(t, other, readFrame(2, 2, 1))
	regs, err := modbus.DecodeReadRegistersResponse(resp[modbus.OffsetByteCount:])
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x1000}, regs)
}

func TestProxyReplaceOverrides(t *testing.T) {
	upstream := newRecordingUpstream(t, echo)
	collector := metrics.NewCollector()
	p := startProxy(t, upstream.ln.Addr().String(), map[uint16]uint16{2: 0x1000}, WithMetrics(collector))
	client := dialProxy(t, p)

	exchange(t, client, writeFrame(1, 4, 9))
	p.ReplaceOverrides(map[uint16]uint16{4: 0x0BAD})
	exchange(t, client, writeFrame(2, 4, 9))

	got := upstream.received()
	require.Len(t, got, 2)
	assert.Equal(t, uint16(9), binary.BigEndian.Uint16(got[0][modbus.OffsetValue:]))
	assert.Equal(t, uint16(0x0BAD), binary.BigEndian.Uint16(got[1][modbus.OffsetValue:]))
	assert.Equal(t, 1, p.Overrides().Len())
}

func TestProxyUpstreamDownClosesClient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := ln.Addr().String()
	ln.Close()

	p := startProxy(t, target, nil)
	client := dialProxy(t, p)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1)
	_, err = client.Read(buf)
	assert.Error(t, err, "client connection should be closed when upstream is unreachable")
	require.Eventually(t, func() bool { return p.Shadows().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestProxyReadTimeoutClosesIdleSession(t *testing.T) {
	upstream := newRecordingUpstream(t, echo)
	p := startProxyConfig(t, Config{
		Upstream:    upstream.ln.Addr().String(),
		ReadTimeout: 200 * time.Millisecond,
	}, map[uint16]uint16{2: 0x1000})
	client := dialProxy(t, p)

	exchange(t, client, writeFrame(1, 2, 0x1234))
	require.Equal(t, 1, p.Shadows().Len())

	// The client stays silent past the deadline.
	start := time.Now()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1)
	_, err := client.Read(buf)
	assert.Error(t, err, "idle client should be disconnected")
	assert.Less(t, time.Since(start), 4*time.Second)

	require.Eventually(t, func() bool {
		return p.ActiveSessions() == 0 && p.Shadows().Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProxyBindExhaustionDropsOnlySession(t *testing.T) {
	upstream := newRecordingUpstream(t, echo)

	held, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer held.Close()
	heldPort := held.Addr().(*net.TCPAddr).Port

	collector := metrics.NewCollector()
	p := startProxyConfig(t, Config{
		Upstream:    upstream.ln.Addr().String(),
		SourcePorts: []int{heldPort},
	}, map[uint16]uint16{2: 0x1000}, WithMetrics(collector))

	// Each client is dropped on its own; the listener keeps accepting.
	for i := 0; i < 2; i++ {
		client := dialProxy(t, p)
		require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
		buf := make([]byte, 1)
		_, err := client.Read(buf)
		assert.Error(t, err, "connection %d should be closed", i)
	}

	require.Eventually(t, func() bool {
		return p.ActiveSessions() == 0 && collector.GetSummary().BindFailures == 2
	}, 5*time.Second, 10*time.Millisecond)
	summary := collector.GetSummary()
	assert.Zero(t, summary.Sessions, "no session reached the relay loop")
	assert.Zero(t, p.Shadows().Len())
	assert.Empty(t, upstream.received())
}

func TestProxyCloseEndsSessions(t *testing.T) {
	upstream := newRecordingUpstream(t, echo)
	p := startProxy(t, upstream.ln.Addr().String(), nil)
	client := dialProxy(t, p)
	exchange(t, client, readFrame(1, 0, 1))
	require.Equal(t, 1, p.ActiveSessions())

	require.NoError(t, p.Close())
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 1)
	_, err := client.Read(buf)
	assert.Error(t, err)
}

func TestProxyServeReturnsWhenListenerClosed(t *testing.T) {
	p := New(Config{Listen: "127.0.0.1:0"}, nil)
	require.NoError(t, p.Listen())
	require.NoError(t, p.listener.Close())

	done := make(chan error, 1)
	go func() { done <- p.Serve(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve kept running on a closed listener")
	}
}

func TestAcceptBackoff(t *testing.T) {
	start := time.Now()
	assert.True(t, backoff(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start = time.Now()
	assert.False(t, backoff(ctx, time.Minute))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "RELAYING", StateRelaying.String())
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "SessionState(9)", SessionState(9).String())
}

func TestSessionCloseBeforeRun(t *testing.T) {
	client, peer := net.Pipe()
	defer peer.Close()

	s := NewSession("pipe", client, newShadowEntry(), SessionOptions{
		Dialer:    &Dialer{Upstream: "127.0.0.1:1"},
		Overrides: NewOverrideTable(nil),
	})
	assert.Equal(t, StateConnecting, s.State())
	s.Close()
	s.Close()
	assert.Equal(t, StateClosed, s.State())
}
