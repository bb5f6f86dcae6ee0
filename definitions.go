package meterbridge

import "strconv"

type FunctionCode uint8

// Data access function codes.
const (
	FCReadCoils                  FunctionCode = 0x01
	FCReadDiscreteInputs         FunctionCode = 0x02
	FCReadHoldingRegisters       FunctionCode = 0x03
	FCReadInputRegisters         FunctionCode = 0x04
	FCWriteSingleCoil            FunctionCode = 0x05
	FCWriteSingleRegister        FunctionCode = 0x06 // Holding register.
	FCWriteMultipleRegisters     FunctionCode = 0x10 // Holding registers.
	FCReadFileRecord             FunctionCode = 0x14
	FCWriteFileRecord            FunctionCode = 0x15
	FCMaskWriteRegister          FunctionCode = 0x16
	FCReadWriteMultipleRegisters FunctionCode = 0x17
	FCReadFIFOQueue              FunctionCode = 0x18
	FCWriteMultipleCoils         FunctionCode = 0x0F
)

// Diagnostic function codes.
const (
	FCReadExceptionStatus      FunctionCode = 0x07
	FCDiagnostic               FunctionCode = 0x08
	FCGetComEventCounter       FunctionCode = 0x0B
	FCGetComEventLog           FunctionCode = 0x0C
	FCReportServerID           FunctionCode = 0x11
	FCReadDeviceIdentification FunctionCode = 0x2B
)

// carriesValue reports whether the Quantity field of a request with fc holds
// a written value rather than a register count.
func (fc FunctionCode) carriesValue() bool {
	return fc == FCWriteSingleCoil || fc == FCWriteSingleRegister
}

var fcNames = map[FunctionCode]string{
	FCReadCoils:                  "read coils",
	FCReadDiscreteInputs:         "read discrete inputs",
	FCReadHoldingRegisters:       "read holding registers",
	FCReadInputRegisters:         "read input registers",
	FCWriteSingleCoil:            "write single coil",
	FCWriteSingleRegister:        "write single register",
	FCWriteMultipleRegisters:     "write multiple registers",
	FCReadFileRecord:             "read file record",
	FCWriteFileRecord:            "write file record",
	FCMaskWriteRegister:          "mask write register",
	FCReadWriteMultipleRegisters: "read/write multiple registers",
	FCReadFIFOQueue:              "read FIFO queue",
	FCWriteMultipleCoils:         "write multiple coils",
	FCReadExceptionStatus:        "read exception status",
	FCDiagnostic:                 "diagnostic",
	FCGetComEventCounter:         "get com event counter",
	FCGetComEventLog:             "get com event log",
	FCReportServerID:             "report server ID",
	FCReadDeviceIdentification:   "read device identification",
}

func (fc FunctionCode) String() string {
	if name, ok := fcNames[fc]; ok {
		return name
	}
	return "unknown function code 0x" + strconv.FormatUint(uint64(fc), 16)
}

// Exception is a Modbus exception code returned to clients in place of a
// regular response. The zero value ExceptionNone means no exception.
type Exception uint8

const (
	ExceptionNone                Exception = 0
	ExceptionIllegalFunction     Exception = 1
	ExceptionIllegalDataAddr     Exception = 2
	ExceptionIllegalDataValue    Exception = 3
	ExceptionServerDeviceFailure Exception = 4
	ExceptionAcknowledge         Exception = 5
	ExceptionServerDeviceBusy    Exception = 6
	ExceptionMemoryParityError   Exception = 8
)

func (exc Exception) Error() string {
	switch exc {
	case ExceptionNone:
		return "no exception"
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddr:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionServerDeviceBusy:
		return "server device busy"
	case ExceptionMemoryParityError:
		return "memory parity error"
	}
	return "unknown exception " + strconv.Itoa(int(exc))
}

// PutResponse writes the 2 byte exception PDU for function code fc into dst.
func (exc Exception) PutResponse(dst []byte, fc FunctionCode) (int, error) {
	if len(dst) < 2 {
		return 0, errResponseTooLargeTx
	}
	dst[0] = byte(fc) | 0x80
	dst[1] = byte(exc)
	return 2, nil
}
