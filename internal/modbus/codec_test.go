package modbus

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func TestEncodeDecodeRequestTCP(t *testing.T) {
	req := Request{
		TransactionID: 0x0042,
		UnitID:        0x01,
		Function:      FcReadHoldingRegisters,
		Data:          ReadHoldingRegistersRequest(0x0000, 10),
	}
	frame := EncodeRequestTCP(req)
	if got := binary.BigEndian.Uint16(frame[4:6]); got != 6 {
		t.Errorf("MBAP length = %d, want 6", got)
	}

	decoded, err := DecodeRequestTCP(frame)
	if err != nil {
		t.Fatalf("DecodeRequestTCP: %v", err)
	}
	if decoded.TransactionID != req.TransactionID {
		t.Errorf("TransactionID = 0x%04X, want 0x%04X", decoded.TransactionID, req.TransactionID)
	}
	if decoded.UnitID != req.UnitID {
		t.Errorf("UnitID = %d, want %d", decoded.UnitID, req.UnitID)
	}
	if decoded.Function != req.Function {
		t.Errorf("Function = 0x%02X, want 0x%02X", decoded.Function, req.Function)
	}
	if !bytes.Equal(decoded.Data, req.Data) {
		t.Errorf("Data = % X, want % X", decoded.Data, req.Data)
	}
}

func TestDecodeRequestTCPErrors(t *testing.T) {
	badProto := EncodeRequestTCP(Request{Function: FcReadCoils, Data: ReadHoldingRegistersRequest(0, 10)})
	binary.BigEndian.PutUint16(badProto[2:4], 0x01)

	truncated := EncodeRequestTCP(Request{Function: FcReadHoldingRegisters, Data: ReadHoldingRegistersRequest(0, 1)})
	truncated = truncated[:len(truncated)-1]

	tests := []struct {
		name  string
		frame []byte
	}{
		{"too short", []byte{0x00, 0x01}},
		{"bad protocol id", badProto},
		{"truncated pdu", truncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeRequestTCP(tt.frame); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestExceptionResponse(t *testing.T) {
	frame := EncodeExceptionResponse(0x01, 0x01, FcWriteSingleRegister, ExceptionIllegalDataAddress)

	resp, err := DecodeResponseTCP(frame)
	if err != nil {
		t.Fatalf("DecodeResponseTCP: %v", err)
	}
	if !resp.IsException() {
		t.Error("expected exception response")
	}
	if resp.ExceptionCode() != ExceptionIllegalDataAddress {
		t.Errorf("ExceptionCode = %d, want %d", resp.ExceptionCode(), ExceptionIllegalDataAddress)
	}
}

func TestWriteMultipleRegistersRequest(t *testing.T) {
	data := WriteMultipleRegistersRequest(0x0001, 0x000A, 0x0102)
	want := []byte{0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02}
	if !bytes.Equal(data, want) {
		t.Errorf("data = % X, want % X", data, want)
	}
}

func TestDecodeReadRegistersResponse(t *testing.T) {
	regs, err := DecodeReadRegistersResponse([]byte{0x04, 0x00, 0x0A, 0x00, 0x14})
	if err != nil {
		t.Fatalf("DecodeReadRegistersResponse: %v", err)
	}
	if len(regs) != 2 || regs[0] != 0x000A || regs[1] != 0x0014 {
		t.Errorf("regs = %v, want [10 20]", regs)
	}

	if _, err := DecodeReadRegistersResponse([]byte{0x03, 0x00, 0x0A, 0x00}); err == nil {
		t.Error("expected error for odd byte count")
	}
}

func TestReadFrame(t *testing.T) {
	first := EncodeRequestTCP(Request{TransactionID: 1, UnitID: 1, Function: FcWriteSingleRegister, Data: WriteSingleRegisterRequest(2, 3)})
	second := EncodeRequestTCP(Request{TransactionID: 2, UnitID: 1, Function: FcReadHoldingRegisters, Data: ReadHoldingRegistersRequest(0, 4)})
	r := bytes.NewReader(append(append([]byte{}, first...), second...))

	got, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, first) {
		t.Errorf("first frame = % X, want % X", got, first)
	}
	got, err = ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Errorf("second frame = % X, want % X", got, second)
	}
	if _, err := ReadFrame(r); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestReadFrameBadLength(t *testing.T) {
	frame := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01}
	if _, err := ReadFrame(bytes.NewReader(frame)); err == nil {
		t.Fatal("expected error for zero MBAP length")
	}
}

func TestMBAPHeaderRoundTrip(t *testing.T) {
	h := MBAPHeader{
		TransactionID: 0xABCD,
		ProtocolID:    0x0000,
		Length:        0x0006,
		UnitID:        0xFF,
	}
	decoded, err := DecodeMBAPHeader(EncodeMBAPHeader(h))
	if err != nil {
		t.Fatalf("DecodeMBAPHeader: %v", err)
	}
	if decoded != h {
		t.Errorf("decoded = %+v, want %+v", decoded, h)
	}
}

func TestFunctionCodeString(t *testing.T) {
	tests := []struct {
		fc   FunctionCode
		want string
	}{
		{FcReadHoldingRegisters, "Read_Holding_Registers"},
		{FcWriteSingleRegister, "Write_Single_Register"},
		{FcReadWriteMultipleRegisters, "Read_Write_Multiple_Registers"},
		{FcGetCommEventLog, "Get_Comm_Event_Log"},
		{FunctionCode(0x86), "Write_Single_Register_Exception"},
		{FunctionCode(0x09), "Unknown(0x09)"},
		{FunctionCode(0x2B), "Unknown(0x2B)"},
	}
	for _, tt := range tests {
		if got := tt.fc.String(); got != tt.want {
			t.Errorf("FunctionCode(0x%02X).String() = %q, want %q", uint8(tt.fc), got, tt.want)
		}
	}
}
