package app

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/tturner/mbmitm/internal/logging"
	"github.com/tturner/mbmitm/internal/mitm"
	"github.com/tturner/mbmitm/internal/modbus"
	"github.com/tturner/mbmitm/internal/simulator"
)

// SelfTestOptions configures RunSelfTest.
type SelfTestOptions struct {
	Address uint16
	Forced  uint16
	Written uint16
	Out     io.Writer
}

// RunSelfTest starts a simulator and a proxy on loopback and checks that a
// write to an overridden register is forced upstream, acknowledged with the
// client's value, masked on read for the writer and left raw for a second
// client.
func RunSelfTest(opts SelfTestOptions) error {
	if opts.Forced == opts.Written {
		return fmt.Errorf("forced and written values must differ")
	}

	logger, err := logging.NewLogger(logging.LogLevelError, "")
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Close()

	store := modbus.NewDataStore(modbus.DefaultDataStoreConfig())
	sim := simulator.New(simulator.Config{Listen: "127.0.0.1:0", UnitID: 1}, store, logger)
	if err := sim.Start(); err != nil {
		return fmt.Errorf("start simulator: %w", err)
	}
	defer sim.Stop()

	proxy := mitm.New(mitm.Config{
		Listen:      "127.0.0.1:0",
		Upstream:    sim.Addr().String(),
		DialTimeout: 2 * time.Second,
	}, mitm.NewOverrideTable(map[uint16]uint16{opts.Address: opts.Forced}), mitm.WithLogger(logger))
	if err := proxy.Listen(); err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- proxy.Serve(ctx) }()
	defer func() {
		cancel()
		<-serveDone
	}()

	writer, err := dialSelfTest(proxy.Addr().String())
	if err != nil {
		return err
	}
	defer writer.Close()

	ack, err := selfTestExchange(writer, modbus.Request{
		TransactionID: 1,
		UnitID:        1,
		Function:      modbus.FcWriteSingleRegister,
		Data:          modbus.WriteSingleRegisterRequest(opts.Address, opts.Written),
	})
	if err != nil {
		return fmt.Errorf("write register: %w", err)
	}
	if got := binary.BigEndian.Uint16(ack.Data[2:4]); got != opts.Written {
		return fmt.Errorf("write ack echoed 0x%04X, want 0x%04X", got, opts.Written)
	}
	report(opts.Out, "write acknowledged with client value 0x%04X", opts.Written)

	if got, _ := store.GetHoldingRegister(int(opts.Address)); got != opts.Forced {
		return fmt.Errorf("device holds 0x%04X, want forced 0x%04X", got, opts.Forced)
	}
	report(opts.Out, "device holds forced value 0x%04X", opts.Forced)

	if got, err := selfTestRead(writer, 2, opts.Address); err != nil {
		return err
	} else if got != opts.Written {
		return fmt.Errorf("writer read 0x%04X, want masked 0x%04X", got, opts.Written)
	}
	report(opts.Out, "writer reads back 0x%04X", opts.Written)

	other, err := dialSelfTest(proxy.Addr().String())
	if err != nil {
		return err
	}
	defer other.Close()
	if got, err := selfTestRead(other, 1, opts.Address); err != nil {
		return err
	} else if got != opts.Forced {
		return fmt.Errorf("second client read 0x%04X, want raw 0x%04X", got, opts.Forced)
	}
	report(opts.Out, "second client reads raw 0x%04X", opts.Forced)

	return nil
}

func dialSelfTest(addr string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to proxy: %w", err)
	}
	return conn, nil
}

func selfTestExchange(conn net.Conn, req modbus.Request) (modbus.Response, error) {
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return modbus.Response{}, err
	}
	if _, err := conn.Write(modbus.EncodeRequestTCP(req)); err != nil {
		return modbus.Response{}, err
	}
	frame, err := modbus.ReadFrame(conn)
	if err != nil {
		return modbus.Response{}, err
	}
	resp, err := modbus.DecodeResponseTCP(frame)
	if err != nil {
		return modbus.Response{}, err
	}
	if resp.IsException() {
		return resp, fmt.Errorf("exception %v", resp.ExceptionCode())
	}
	if len(resp.Data) < 4 && req.Function == modbus.FcWriteSingleRegister {
		return resp, fmt.Errorf("short write response")
	}
	return resp, nil
}

func selfTestRead(conn net.Conn, txID, addr uint16) (uint16, error) {
	resp, err := selfTestExchange(conn, modbus.Request{
		TransactionID: txID,
		UnitID:        1,
		Function:      modbus.FcReadHoldingRegisters,
		Data:          modbus.ReadHoldingRegistersRequest(addr, 1),
	})
	if err != nil {
		return 0, fmt.Errorf("read register: %w", err)
	}
	regs, err := modbus.DecodeReadRegistersResponse(resp.Data)
	if err != nil {
		return 0, fmt.Errorf("read register: %w", err)
	}
	if len(regs) != 1 {
		return 0, fmt.Errorf("read register: got %d values", len(regs))
	}
	return regs[0], nil
}

func report(out io.Writer, format string, v ...interface{}) {
	if out != nil {
		fmt.Fprintf(out, "[PASS] "+format+"\n", v...)
	}
}
