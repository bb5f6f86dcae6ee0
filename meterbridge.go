/*
	package meterbridge implements the Modbus protocol core used to republish
	inverter telemetry as an emulated SunSpec meter.

# Glossary

  - MBAP: Modbus Application Protocol. Used to differentiate between Modbus RTU
    which is lower level in character.
  - ADU: Application Data Unit. Encapsulates the PDU packet of data and some additional
    fields that are introduced by nature of the underlying network used.
  - PDU: Protocol Data Unit. Refers to packet of data with function code and data
    associated with said function. This is data relevant to the Modbus system.
  - Frame: one complete request or response ADU on a connection.

# MBAP Header

	2 bytes | Transaction Identifier
	2 bytes | Protocol Identifier. Is 0 for Modbus protocol
	2 bytes | Length. Number of following bytes in PDU
	1 byte  | Unit identifier: Identifies a remote slave connected on a serial line or other buses

# Data Model

The meter exposes a single table of 16 bit words. Holding and input register
reads resolve against the same table, there are no coils or discrete inputs.
*/
package meterbridge

import (
	"encoding/binary"
)

// Modbus limits on a single register read.
const (
	MaxReadQuantity = 125
	maxPDUSize      = 253
)

// DataModel is the core abstraction of the register data in the modbus protocol.
// Implementations return ExceptionIllegalDataAddr for addresses they do not map.
type DataModel interface {
	// GetHoldingRegister returns the 16-bit value of the holding register at address addr.
	GetHoldingRegister(addr int) (uint16, Exception)
	// GetInputRegister returns the 16-bit value of the input register at address addr.
	GetInputRegister(addr int) (uint16, Exception)
}

// readFromModel reads quantity registers starting at startAddress into dst as
// big endian words. It is a low level primitive that receives raw modbus PDU data.
func readFromModel(dst []byte, model DataModel, fc FunctionCode, startAddress, quantity uint16) (exc Exception) {
	endAddress := int(startAddress) + int(quantity) - 1
	switch {
	case fc != FCReadHoldingRegisters && fc != FCReadInputRegisters:
		exc = ExceptionIllegalFunction
	case quantity == 0 || quantity > MaxReadQuantity:
		exc = ExceptionIllegalDataValue
	case len(dst) < 2*int(quantity):
		exc = ExceptionIllegalDataValue
	case endAddress > 0xffff:
		exc = ExceptionIllegalDataAddr
	}
	var gotu16 uint16
	for i := uint16(0); exc == ExceptionNone && i < quantity; i++ {
		ireg := int(startAddress) + int(i)
		if fc == FCReadHoldingRegisters {
			gotu16, exc = model.GetHoldingRegister(ireg)
		} else {
			gotu16, exc = model.GetInputRegister(ireg)
		}
		if exc != ExceptionNone {
			break
		}
		binary.BigEndian.PutUint16(dst[2*i:], gotu16)
	}
	return exc
}
