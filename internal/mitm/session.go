package mitm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbmk-project/common/errclass"

	"github.com/tturner/mbmitm/internal/capture"
	"github.com/tturner/mbmitm/internal/logging"
	"github.com/tturner/mbmitm/internal/metrics"
	"github.com/tturner/mbmitm/internal/modbus"
)

// maxReadSize bounds one read from either peer.
const maxReadSize = 1024

// SessionState is the lifecycle state of a Session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateRelaying
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateRelaying:
		return "RELAYING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// Session relays one client connection to its own upstream connection in
// strict request/response lockstep.
type Session struct {
	ID string

	client    net.Conn
	upstream  net.Conn
	dialer    *Dialer
	overrides *OverrideTable
	shadow    *ShadowEntry

	logger      *logging.Logger
	metrics     *metrics.Collector
	capture     *capture.Writer
	readTimeout time.Duration
	hexDump     bool

	state     atomic.Int32
	closeOnce sync.Once
}

// SessionOptions carries the shared collaborators of every session.
type SessionOptions struct {
	Dialer      *Dialer
	Overrides   *OverrideTable
	Logger      *logging.Logger
	Metrics     *metrics.Collector
	Capture     *capture.Writer
	ReadTimeout time.Duration
	HexDump     bool
}

// NewSession creates a session for an accepted client connection. shadow is
// the client's entry in the proxy's ShadowStore.
func NewSession(id string, client net.Conn, shadow *ShadowEntry, opts SessionOptions) *Session {
	s := &Session{
		ID:          id,
		client:      client,
		dialer:      opts.Dialer,
		overrides:   opts.Overrides,
		shadow:      shadow,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		capture:     opts.Capture,
		readTimeout: opts.ReadTimeout,
		hexDump:     opts.HexDump,
	}
	if s.logger == nil {
		s.logger, _ = logging.NewLogger(logging.LogLevelSilent, "")
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Run connects upstream and relays until either peer disconnects or ctx is
// cancelled. Both connections are closed on return. A nil error means the
// client closed the connection cleanly.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	upstream, err := s.dialer.Dial(ctx)
	if err != nil {
		if errors.Is(err, ErrBindExhausted) {
			s.metrics.BindExhausted()
		}
		s.logger.Error("[%s] upstream connect failed: %v", s.ID, err)
		return err
	}
	s.upstream = upstream
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateRelaying)) {
		// Closed while dialing.
		upstream.Close()
		return net.ErrClosed
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.metrics.SessionOpened()
	s.logger.Verbose("[%s] relaying via %s -> %s", s.ID, upstream.LocalAddr(), upstream.RemoteAddr())

	err = s.relay()
	class := ""
	if err != nil {
		class = errclass.New(err)
		if ctx.Err() == nil {
			s.logger.Info("[%s] session ended: %v (%s)", s.ID, err, class)
		}
	} else {
		s.logger.Verbose("[%s] client disconnected", s.ID)
	}
	s.metrics.SessionClosed(class)
	return err
}

// Close closes both connections and moves the session to CLOSED. It is safe
// to call from any goroutine and unblocks a pending read.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		prev := SessionState(s.state.Swap(int32(StateClosed)))
		s.client.Close()
		if prev == StateRelaying && s.upstream != nil {
			s.upstream.Close()
		}
	})
}

func (s *Session) relay() error {
	clientFlow := s.capture.Flow(s.client.RemoteAddr(), s.client.LocalAddr())
	upstreamFlow := s.capture.Flow(s.upstream.LocalAddr(), s.upstream.RemoteAddr())

	reqBuf := make([]byte, maxReadSize)
	respBuf := make([]byte, maxReadSize)

	for {
		n, err := s.read(s.client, reqBuf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read client: %w", err)
		}
		in := reqBuf[:n]
		s.recordCapture(clientFlow.Request(in))
		s.dump("client -> proxy", in)

		out := in
		req, decoded := modbus.DecodeADU(in)
		if decoded {
			s.metrics.Frame(metrics.DirectionRequest, req.Function.String())
			s.logger.Verbose("[%s] [->] %s", s.ID, req)
			var rewrites []Rewrite
			out, rewrites = RewriteRequest(req, s.overrides, s.shadow)
			s.logRewrites(rewrites)
		} else {
			s.metrics.Frame(metrics.DirectionRequest, "undecodable")
			s.metrics.Anomaly(AnomalyShortFrame)
			s.logger.Debug("[%s] undecodable %d-byte request forwarded as is", s.ID, n)
		}

		sent := time.Now()
		if _, err := s.upstream.Write(out); err != nil {
			return fmt.Errorf("write upstream: %w", err)
		}
		s.recordCapture(upstreamFlow.Request(out))
		s.dump("proxy -> upstream", out)

		n, err = s.read(s.upstream, respBuf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("upstream closed: %w", err)
			}
			return fmt.Errorf("read upstream: %w", err)
		}
		s.metrics.Exchange(time.Since(sent))
		resp := respBuf[:n]
		s.recordCapture(upstreamFlow.Response(resp))
		s.dump("upstream -> proxy", resp)

		back := resp
		if respADU, ok := modbus.DecodeADU(resp); ok {
			s.metrics.Frame(metrics.DirectionResponse, respADU.Function.String())
		} else {
			s.metrics.Frame(metrics.DirectionResponse, "undecodable")
		}
		if decoded {
			rewritten, rewrites, anomaly := RewriteResponse(req, resp, s.overrides, s.shadow)
			if anomaly != "" {
				s.metrics.Anomaly(anomaly)
				s.logger.Debug("[%s] %s response forwarded as is: %s", s.ID, req.Function, anomaly)
			}
			s.logRewrites(rewrites)
			back = rewritten
		}

		if _, err := s.client.Write(back); err != nil {
			return fmt.Errorf("write client: %w", err)
		}
		s.recordCapture(clientFlow.Response(back))
		s.dump("proxy -> client", back)
	}
}

func (s *Session) read(conn net.Conn, buf []byte) (int, error) {
	if s.readTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return 0, err
		}
	}
	return conn.Read(buf)
}

func (s *Session) logRewrites(rewrites []Rewrite) {
	for _, rw := range rewrites {
		s.metrics.Rewrite(rw.Kind)
		switch rw.Kind {
		case metrics.RewriteWriteRequest:
			s.logger.Verbose("[%s] [MITM] Overriding register %04X: %d -> %d", s.ID, rw.Address, rw.From, rw.To)
		default:
			s.logger.Verbose("[%s] [RESTORED] Response for register %04X: sending back client's original value %d",
				s.ID, rw.Address, rw.To)
		}
	}
}

func (s *Session) recordCapture(err error) {
	if err != nil {
		s.logger.Debug("[%s] pcap capture: %v", s.ID, err)
	}
}

func (s *Session) dump(label string, data []byte) {
	if s.hexDump {
		s.logger.LogHex(fmt.Sprintf("[%s] %s", s.ID, label), data)
	}
}
