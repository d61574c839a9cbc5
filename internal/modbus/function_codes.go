package modbus

import "fmt"

// Modbus public function codes in the 0x01-0x17 range.
const (
	FcReadCoils                  FunctionCode = 0x01
	FcReadDiscreteInputs         FunctionCode = 0x02
	FcReadHoldingRegisters       FunctionCode = 0x03 // Read 1-125 holding registers
	FcReadInputRegisters         FunctionCode = 0x04
	FcWriteSingleCoil            FunctionCode = 0x05
	FcWriteSingleRegister        FunctionCode = 0x06 // Write a single holding register
	FcReadExceptionStatus        FunctionCode = 0x07
	FcDiagnostics                FunctionCode = 0x08
	FcGetCommEventCounter        FunctionCode = 0x0B
	FcGetCommEventLog            FunctionCode = 0x0C
	FcWriteMultipleCoils         FunctionCode = 0x0F
	FcWriteMultipleRegisters     FunctionCode = 0x10
	FcReportSlaveID              FunctionCode = 0x11
	FcReadFileRecord             FunctionCode = 0x14
	FcWriteFileRecord            FunctionCode = 0x15
	FcMaskWriteRegister          FunctionCode = 0x16
	FcReadWriteMultipleRegisters FunctionCode = 0x17
)

var functionNames = map[FunctionCode]string{
	FcReadCoils:                  "Read_Coils",
	FcReadDiscreteInputs:         "Read_Discrete_Inputs",
	FcReadHoldingRegisters:       "Read_Holding_Registers",
	FcReadInputRegisters:         "Read_Input_Registers",
	FcWriteSingleCoil:            "Write_Single_Coil",
	FcWriteSingleRegister:        "Write_Single_Register",
	FcReadExceptionStatus:        "Read_Exception_Status",
	FcDiagnostics:                "Diagnostics",
	FcGetCommEventCounter:        "Get_Comm_Event_Counter",
	FcGetCommEventLog:            "Get_Comm_Event_Log",
	FcWriteMultipleCoils:         "Write_Multiple_Coils",
	FcWriteMultipleRegisters:     "Write_Multiple_Registers",
	FcReportSlaveID:              "Report_Slave_ID",
	FcReadFileRecord:             "Read_File_Record",
	FcWriteFileRecord:            "Write_File_Record",
	FcMaskWriteRegister:          "Mask_Write_Register",
	FcReadWriteMultipleRegisters: "Read_Write_Multiple_Registers",
}

// String returns a human-readable name for the function code.
// Exception responses are named after their base function.
func (fc FunctionCode) String() string {
	if name, ok := functionNames[fc]; ok {
		return name
	}
	if fc&0x80 != 0 {
		if name, ok := functionNames[fc&0x7F]; ok {
			return name + "_Exception"
		}
	}
	return fmt.Sprintf("Unknown(0x%02X)", uint8(fc))
}

// IsKnownFunction returns true for recognized Modbus function codes.
func IsKnownFunction(fc FunctionCode) bool {
	_, ok := functionNames[fc]
	return ok
}

// IsWrite returns true for function codes that modify device state.
func (fc FunctionCode) IsWrite() bool {
	switch fc {
	case FcWriteSingleCoil, FcWriteSingleRegister,
		FcWriteMultipleCoils, FcWriteMultipleRegisters,
		FcMaskWriteRegister, FcReadWriteMultipleRegisters, FcWriteFileRecord:
		return true
	default:
		return false
	}
}
