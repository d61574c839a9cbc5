package modbus

// Register/coil data model for the device simulator.
//
// Modbus data is organized into four address spaces:
//   - Coils: read-write single-bit, FC 1/5/15
//   - Discrete inputs: read-only single-bit, FC 2
//   - Input registers: read-only 16-bit, FC 4
//   - Holding registers: read-write 16-bit, FC 3/6/16/22/23

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Per-request quantity limits from the Modbus application protocol.
const (
	maxReadBits       = 2000
	maxReadRegisters  = 125
	maxWriteBits      = 1968
	maxWriteRegisters = 123
	maxRWWrite        = 121
)

// DataStore holds the four Modbus address spaces.
type DataStore struct {
	mu               sync.RWMutex
	coils            []bool
	discreteInputs   []bool
	inputRegisters   []uint16
	holdingRegisters []uint16
}

// DataStoreConfig configures the sizes of the Modbus address spaces.
type DataStoreConfig struct {
	CoilCount            int
	DiscreteInputCount   int
	InputRegisterCount   int
	HoldingRegisterCount int
}

// DefaultDataStoreConfig returns standard Modbus address space sizes.
func DefaultDataStoreConfig() DataStoreConfig {
	return DataStoreConfig{
		CoilCount:            9999,
		DiscreteInputCount:   9999,
		InputRegisterCount:   9999,
		HoldingRegisterCount: 9999,
	}
}

// NewDataStore creates a data store with the given configuration.
func NewDataStore(cfg DataStoreConfig) *DataStore {
	return &DataStore{
		coils:            make([]bool, cfg.CoilCount),
		discreteInputs:   make([]bool, cfg.DiscreteInputCount),
		inputRegisters:   make([]uint16, cfg.InputRegisterCount),
		holdingRegisters: make([]uint16, cfg.HoldingRegisterCount),
	}
}

// SetCoil sets a single coil value (0-based address).
func (ds *DataStore) SetCoil(addr int, value bool) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return setAt(ds.coils, addr, value, "coil")
}

// SetDiscreteInput sets a single discrete input value (0-based address).
func (ds *DataStore) SetDiscreteInput(addr int, value bool) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return setAt(ds.discreteInputs, addr, value, "discrete input")
}

// SetInputRegister sets a single input register value (0-based address).
func (ds *DataStore) SetInputRegister(addr int, value uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return setAt(ds.inputRegisters, addr, value, "input register")
}

// SetHoldingRegister sets a single holding register value (0-based address).
func (ds *DataStore) SetHoldingRegister(addr int, value uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return setAt(ds.holdingRegisters, addr, value, "holding register")
}

// GetHoldingRegister reads a single holding register (0-based).
func (ds *DataStore) GetHoldingRegister(addr int) (uint16, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if addr < 0 || addr >= len(ds.holdingRegisters) {
		return 0, fmt.Errorf("holding register address %d out of range", addr)
	}
	return ds.holdingRegisters[addr], nil
}

// GetCoil reads a single coil (0-based).
func (ds *DataStore) GetCoil(addr int) (bool, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if addr < 0 || addr >= len(ds.coils) {
		return false, fmt.Errorf("coil address %d out of range", addr)
	}
	return ds.coils[addr], nil
}

// HandleRequest processes a Modbus PDU request and returns the response,
// which is an exception response when the request cannot be served.
func (ds *DataStore) HandleRequest(req Request) Response {
	var (
		data []byte
		exc  ExceptionCode
	)
	switch req.Function {
	case FcReadCoils:
		data, exc = ds.readBits(req.Data, ds.coils)
	case FcReadDiscreteInputs:
		data, exc = ds.readBits(req.Data, ds.discreteInputs)
	case FcReadHoldingRegisters:
		data, exc = ds.readRegisters(req.Data, ds.holdingRegisters)
	case FcReadInputRegisters:
		data, exc = ds.readRegisters(req.Data, ds.inputRegisters)
	case FcWriteSingleCoil:
		data, exc = ds.writeSingleCoil(req.Data)
	case FcWriteSingleRegister:
		data, exc = ds.writeSingleRegister(req.Data)
	case FcWriteMultipleCoils:
		data, exc = ds.writeMultipleCoils(req.Data)
	case FcWriteMultipleRegisters:
		data, exc = ds.writeMultipleRegisters(req.Data)
	case FcMaskWriteRegister:
		data, exc = ds.maskWriteRegister(req.Data)
	case FcReadWriteMultipleRegisters:
		data, exc = ds.readWriteMultipleRegisters(req.Data)
	default:
		exc = ExceptionIllegalFunction
	}
	if exc != 0 {
		return exceptionResponse(req, exc)
	}
	return Response{
		TransactionID: req.TransactionID,
		UnitID:        req.UnitID,
		Function:      req.Function,
		Data:          data,
	}
}

// --- Read handlers ---

func (ds *DataStore) readBits(body []byte, space []bool) ([]byte, ExceptionCode) {
	start, quantity, ok := addrQty(body)
	if !ok || quantity < 1 || quantity > maxReadBits {
		return nil, ExceptionIllegalDataValue
	}

	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if int(start)+int(quantity) > len(space) {
		return nil, ExceptionIllegalDataAddress
	}
	byteCount := (quantity + 7) / 8
	data := make([]byte, 1+byteCount)
	data[0] = byte(byteCount)
	for i := uint16(0); i < quantity; i++ {
		if space[int(start)+int(i)] {
			data[1+i/8] |= 1 << (i % 8)
		}
	}
	return data, 0
}

func (ds *DataStore) readRegisters(body []byte, space []uint16) ([]byte, ExceptionCode) {
	start, quantity, ok := addrQty(body)
	if !ok || quantity < 1 || quantity > maxReadRegisters {
		return nil, ExceptionIllegalDataValue
	}

	ds.mu.RLock()
	defer ds.mu.RUnlock()

	return encodeRegisters(space, start, quantity)
}

// --- Write handlers ---

func (ds *DataStore) writeSingleCoil(body []byte) ([]byte, ExceptionCode) {
	addr, val, ok := addrQty(body)
	if !ok || (val != 0x0000 && val != 0xFF00) {
		return nil, ExceptionIllegalDataValue
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if int(addr) >= len(ds.coils) {
		return nil, ExceptionIllegalDataAddress
	}
	ds.coils[addr] = val == 0xFF00
	return cloneBytes(body[:4]), 0
}

func (ds *DataStore) writeSingleRegister(body []byte) ([]byte, ExceptionCode) {
	addr, val, ok := addrQty(body)
	if !ok {
		return nil, ExceptionIllegalDataValue
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if int(addr) >= len(ds.holdingRegisters) {
		return nil, ExceptionIllegalDataAddress
	}
	ds.holdingRegisters[addr] = val
	return cloneBytes(body[:4]), 0
}

func (ds *DataStore) writeMultipleCoils(body []byte) ([]byte, ExceptionCode) {
	start, quantity, ok := addrQty(body)
	if !ok || len(body) < 5 || quantity < 1 || quantity > maxWriteBits {
		return nil, ExceptionIllegalDataValue
	}
	byteCount := int(body[4])
	if byteCount != int((quantity+7)/8) || len(body) < 5+byteCount {
		return nil, ExceptionIllegalDataValue
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if int(start)+int(quantity) > len(ds.coils) {
		return nil, ExceptionIllegalDataAddress
	}
	for i := uint16(0); i < quantity; i++ {
		ds.coils[int(start)+int(i)] = body[5+i/8]&(1<<(i%8)) != 0
	}
	return encodeAddrQty(start, quantity), 0
}

func (ds *DataStore) writeMultipleRegisters(body []byte) ([]byte, ExceptionCode) {
	start, quantity, ok := addrQty(body)
	if !ok || len(body) < 5 || quantity < 1 || quantity > maxWriteRegisters {
		return nil, ExceptionIllegalDataValue
	}
	byteCount := int(body[4])
	if byteCount != int(quantity)*2 || len(body) < 5+byteCount {
		return nil, ExceptionIllegalDataValue
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if exc := storeRegisters(ds.holdingRegisters, start, body[5:5+byteCount]); exc != 0 {
		return nil, exc
	}
	return encodeAddrQty(start, quantity), 0
}

func (ds *DataStore) maskWriteRegister(body []byte) ([]byte, ExceptionCode) {
	if len(body) < 6 {
		return nil, ExceptionIllegalDataValue
	}
	addr := binary.BigEndian.Uint16(body[0:2])
	andMask := binary.BigEndian.Uint16(body[2:4])
	orMask := binary.BigEndian.Uint16(body[4:6])

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if int(addr) >= len(ds.holdingRegisters) {
		return nil, ExceptionIllegalDataAddress
	}
	// Result = (Current AND And_Mask) OR (Or_Mask AND NOT And_Mask)
	current := ds.holdingRegisters[addr]
	ds.holdingRegisters[addr] = (current & andMask) | (orMask &^ andMask)
	return cloneBytes(body[:6]), 0
}

// readWriteMultipleRegisters performs the write before the read, as the
// protocol requires.
func (ds *DataStore) readWriteMultipleRegisters(body []byte) ([]byte, ExceptionCode) {
	if len(body) < 9 {
		return nil, ExceptionIllegalDataValue
	}
	readStart := binary.BigEndian.Uint16(body[0:2])
	readQty := binary.BigEndian.Uint16(body[2:4])
	writeStart := binary.BigEndian.Uint16(body[4:6])
	writeQty := binary.BigEndian.Uint16(body[6:8])
	byteCount := int(body[8])
	if readQty < 1 || readQty > maxReadRegisters || writeQty < 1 || writeQty > maxRWWrite {
		return nil, ExceptionIllegalDataValue
	}
	if byteCount != int(writeQty)*2 || len(body) < 9+byteCount {
		return nil, ExceptionIllegalDataValue
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if exc := storeRegisters(ds.holdingRegisters, writeStart, body[9:9+byteCount]); exc != 0 {
		return nil, exc
	}
	return encodeRegisters(ds.holdingRegisters, readStart, readQty)
}

// --- helpers ---

func addrQty(body []byte) (uint16, uint16, bool) {
	if len(body) < 4 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(body[0:2]), binary.BigEndian.Uint16(body[2:4]), true
}

func encodeRegisters(space []uint16, start, quantity uint16) ([]byte, ExceptionCode) {
	if int(start)+int(quantity) > len(space) {
		return nil, ExceptionIllegalDataAddress
	}
	data := make([]byte, 1+2*int(quantity))
	data[0] = byte(2 * quantity)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(data[1+2*i:], space[int(start)+i])
	}
	return data, 0
}

func storeRegisters(space []uint16, start uint16, values []byte) ExceptionCode {
	count := len(values) / 2
	if int(start)+count > len(space) {
		return ExceptionIllegalDataAddress
	}
	for i := 0; i < count; i++ {
		space[int(start)+i] = binary.BigEndian.Uint16(values[2*i:])
	}
	return 0
}

func setAt[T any](space []T, addr int, value T, what string) error {
	if addr < 0 || addr >= len(space) {
		return fmt.Errorf("%s address %d out of range (0-%d)", what, addr, len(space)-1)
	}
	space[addr] = value
	return nil
}

func exceptionResponse(req Request, exc ExceptionCode) Response {
	return Response{
		TransactionID: req.TransactionID,
		UnitID:        req.UnitID,
		Function:      req.Function | 0x80,
		Data:          []byte{byte(exc)},
	}
}
