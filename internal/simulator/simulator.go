package simulator

// Modbus/TCP device simulator: serves a modbus.DataStore over MBAP so the
// proxy can be run and tested without a real PLC behind it.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tturner/mbmitm/internal/logging"
	"github.com/tturner/mbmitm/internal/modbus"
)

// Config configures a Server.
type Config struct {
	Listen string

	// UnitID is the unit this device answers as. Requests for another unit
	// get a gateway-target exception. Zero answers every unit.
	UnitID uint8
}

// Stats counts the requests a Server has handled.
type Stats struct {
	Connections   int64
	TotalRequests int64
	ReadRequests  int64
	WriteRequests int64
	Exceptions    int64
}

// Server is a Modbus/TCP device.
type Server struct {
	cfg    Config
	store  *modbus.DataStore
	logger *logging.Logger

	listener *net.TCPListener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	statsMu sync.Mutex
	stats   Stats
}

// New creates a server for store. A nil logger is silent.
func New(cfg Config, store *modbus.DataStore, logger *logging.Logger) *Server {
	if logger == nil {
		logger, _ = logging.NewLogger(logging.LogLevelSilent, "")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		store:  store,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the listen address and begins accepting connections.
func (s *Server) Start() error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("resolve TCP address: %w", err)
	}
	s.listener, err = net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("listen TCP: %w", err)
	}

	s.logger.Info("Modbus simulator listening on %s (unit %d)", s.listener.Addr(), s.cfg.UnitID)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() *net.TCPAddr {
	if s.listener == nil {
		return nil
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr
	}
	return nil
}

// Store returns the data store behind the device.
func (s *Server) Store() *modbus.DataStore {
	return s.store
}

// Stats returns a snapshot of the request counters.
func (s *Server) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers to return.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	s.logger.Info("Modbus simulator stopped")
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.listener.SetDeadline(time.Now().Add(1 * time.Second))
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Accept error: %v", err)
			continue
		}

		s.connsMu.Lock()
		if s.ctx.Err() != nil {
			s.connsMu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.connsMu.Unlock()

		s.statsMu.Lock()
		s.stats.Connections++
		s.statsMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn *net.TCPConn) {
	defer s.wg.Done()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		conn.Close()
	}()

	remoteAddr := conn.RemoteAddr().String()
	s.logger.Verbose("New connection from %s", remoteAddr)

	for {
		frame, err := modbus.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || s.ctx.Err() != nil {
				s.logger.Verbose("Connection closed: %s", remoteAddr)
				return
			}
			s.logger.Error("Read error from %s: %v", remoteAddr, err)
			return
		}

		resp, err := s.HandleFrame(frame)
		if err != nil {
			s.logger.Error("Bad frame from %s: %v", remoteAddr, err)
			return
		}
		if _, err := conn.Write(resp); err != nil {
			s.logger.Error("Write error to %s: %v", remoteAddr, err)
			return
		}
	}
}

// HandleFrame serves one MBAP request frame and returns the encoded
// response. It fails only when frame is not a valid Modbus/TCP request.
func (s *Server) HandleFrame(frame []byte) ([]byte, error) {
	req, err := modbus.DecodeRequestTCP(frame)
	if err != nil {
		return nil, err
	}

	s.statsMu.Lock()
	s.stats.TotalRequests++
	if req.Function.IsWrite() {
		s.stats.WriteRequests++
	} else {
		s.stats.ReadRequests++
	}
	s.statsMu.Unlock()

	var resp modbus.Response
	if s.cfg.UnitID != 0 && req.UnitID != s.cfg.UnitID {
		resp = modbus.Response{
			TransactionID: req.TransactionID,
			UnitID:        req.UnitID,
			Function:      req.Function | 0x80,
			Data:          []byte{byte(modbus.ExceptionGatewayTargetFail)},
		}
	} else {
		resp = s.store.HandleRequest(req)
	}

	if resp.IsException() {
		s.statsMu.Lock()
		s.stats.Exceptions++
		s.statsMu.Unlock()
		s.logger.Verbose("Modbus exception: %s unit=%d exc=%v", req.Function, req.UnitID, resp.ExceptionCode())
	} else {
		s.logger.Debug("Modbus request: %s unit=%d data=%d bytes", req.Function, req.UnitID, len(req.Data))
	}
	return modbus.EncodeResponseTCP(resp), nil
}
