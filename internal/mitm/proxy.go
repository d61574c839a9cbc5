package mitm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tturner/mbmitm/internal/capture"
	"github.com/tturner/mbmitm/internal/logging"
	"github.com/tturner/mbmitm/internal/metrics"
)

// Config configures a Proxy.
type Config struct {
	Listen      string
	Upstream    string
	SourcePorts []int
	DialTimeout time.Duration
	ReadTimeout time.Duration
	HexDump     bool
}

// acceptBackoff is the pause after a non-timeout accept error.
const acceptBackoff = 100 * time.Millisecond

// Proxy accepts Modbus/TCP clients and runs one Session per connection.
type Proxy struct {
	cfg       Config
	overrides *OverrideTable
	shadows   *ShadowStore
	dialer    *Dialer
	logger    *logging.Logger
	metrics   *metrics.Collector
	capture   *capture.Writer

	listener *net.TCPListener

	sessionsMu sync.Mutex
	sessions   map[*Session]struct{}
	closed     bool
	wg         sync.WaitGroup
}

// Option customizes a Proxy.
type Option func(*Proxy)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Proxy) { p.logger = l }
}

// WithMetrics records activity into c.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Proxy) { p.metrics = c }
}

// WithCapture records both legs of every session into w.
func WithCapture(w *capture.Writer) Option {
	return func(p *Proxy) { p.capture = w }
}

// New creates a proxy. overrides is shared with the caller, which may
// Replace it while the proxy runs.
func New(cfg Config, overrides *OverrideTable, opts ...Option) *Proxy {
	if overrides == nil {
		overrides = NewOverrideTable(nil)
	}
	p := &Proxy{
		cfg:       cfg,
		overrides: overrides,
		shadows:   NewShadowStore(),
		dialer: &Dialer{
			Upstream:    cfg.Upstream,
			SourcePorts: cfg.SourcePorts,
			Timeout:     cfg.DialTimeout,
		},
		sessions: make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger, _ = logging.NewLogger(logging.LogLevelSilent, "")
	}
	return p
}

// Listen binds the listen address.
func (p *Proxy) Listen() error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", p.cfg.Listen)
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}
	p.listener, err = net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("listen TCP: %w", err)
	}
	p.metrics.SetOverrideCount(p.overrides.Len())
	p.logger.LogStartup(p.listener.Addr().String(), p.cfg.Upstream, p.overrides.Entries())
	return nil
}

// Addr returns the bound listen address, or nil before Listen.
func (p *Proxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Overrides returns the proxy's override table.
func (p *Proxy) Overrides() *OverrideTable {
	return p.overrides
}

// ReplaceOverrides installs a new override table. Live sessions use it from
// their next frame; shadow values already recorded are kept.
func (p *Proxy) ReplaceOverrides(entries map[uint16]uint16) {
	p.overrides.Replace(entries)
	p.metrics.SetOverrideCount(p.overrides.Len())
	p.logger.Info("Overrides reloaded: %s", logging.FormatOverrides(entries))
}

// Shadows returns the proxy's shadow store.
func (p *Proxy) Shadows() *ShadowStore {
	return p.shadows
}

// Serve accepts connections until ctx is cancelled or Close is called, then
// closes every live session and waits for them to finish.
func (p *Proxy) Serve(ctx context.Context) error {
	if p.listener == nil {
		return errors.New("proxy: Serve called before Listen")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		p.Close()
		p.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := p.listener.SetDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			p.logger.Error("Set accept deadline: %v", err)
		}
		conn, err := p.listener.AcceptTCP()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			p.logger.Error("Accept error: %v", err)
			if !backoff(ctx, acceptBackoff) {
				return nil
			}
			continue
		}

		p.logger.Info("[+] Connection from %s", conn.RemoteAddr())
		session, ok := p.track(conn)
		if !ok {
			conn.Close()
			return nil
		}
		p.wg.Add(1)
		go p.handleConnection(ctx, session)
	}
}

// backoff pauses for d so a persistent accept error such as EMFILE does not
// spin. It reports false if ctx ended first.
func backoff(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// track registers a session for conn unless the proxy is closed.
func (p *Proxy) track(conn net.Conn) (*Session, bool) {
	p.sessionsMu.Lock()
	defer p.sessionsMu.Unlock()
	if p.closed {
		return nil, false
	}
	id := conn.RemoteAddr().String()
	session := NewSession(id, conn, p.shadows.Open(id), SessionOptions{
		Dialer:      p.dialer,
		Overrides:   p.overrides,
		Logger:      p.logger,
		Metrics:     p.metrics,
		Capture:     p.capture,
		ReadTimeout: p.cfg.ReadTimeout,
		HexDump:     p.cfg.HexDump,
	})
	p.sessions[session] = struct{}{}
	return session, true
}

func (p *Proxy) handleConnection(ctx context.Context, session *Session) {
	defer p.wg.Done()
	defer func() {
		p.sessionsMu.Lock()
		delete(p.sessions, session)
		p.sessionsMu.Unlock()
		p.shadows.Release(session.ID, session.shadow)
	}()

	_ = session.Run(ctx)
}

// Close stops accepting and closes every live session. Serve returns once
// the sessions have finished.
func (p *Proxy) Close() error {
	p.sessionsMu.Lock()
	if p.closed {
		p.sessionsMu.Unlock()
		return nil
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessionsMu.Unlock()

	var err error
	if p.listener != nil {
		err = p.listener.Close()
	}
	for _, s := range sessions {
		s.Close()
	}
	return err
}

// ActiveSessions returns the number of sessions currently tracked.
func (p *Proxy) ActiveSessions() int {
	p.sessionsMu.Lock()
	defer p.sessionsMu.Unlock()
	return len(p.sessions)
}
