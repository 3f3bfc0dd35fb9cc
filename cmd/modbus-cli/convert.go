package main

import (
	"encoding/binary"
	"fmt"
	"math"
)

// convertToBytes encodes val as eType ("int16", "int32", "uint16",
// "uint32", "float32" or "float64") using order, unless forcedOrder
// names an explicit byte arrangement ("AB"/"BA" for 16-bit values,
// "ABCD"/"DCBA"/"BADC"/"CDAB" for 32-bit values), in which case
// forcedOrder wins over order.
func convertToBytes(eType string, order binary.ByteOrder, forcedOrder string, val float64) ([]byte, error) {
	if forcedOrder != "" {
		return convertForcedOrder(eType, forcedOrder, val)
	}
	return convertNativeOrder(eType, order, val)
}

func convertNativeOrder(eType string, order binary.ByteOrder, val float64) ([]byte, error) {
	switch eType {
	case "int16":
		if val > math.MaxInt16 || val < math.MinInt16 {
			return nil, fmt.Errorf("overflow: %f does not fit into datatype %s", val, eType)
		}
		buf := make([]byte, 2)
		order.PutUint16(buf, uint16(int16(val)))
		return buf, nil
	case "uint16":
		if val > math.MaxUint16 || val < 0 {
			return nil, fmt.Errorf("overflow: %f does not fit into datatype %s", val, eType)
		}
		buf := make([]byte, 2)
		order.PutUint16(buf, uint16(val))
		return buf, nil
	case "int32":
		if val > math.MaxInt32 || val < math.MinInt32 {
			return nil, fmt.Errorf("overflow: %f does not fit into datatype %s", val, eType)
		}
		buf := make([]byte, 4)
		order.PutUint32(buf, uint32(int32(val)))
		return buf, nil
	case "uint32":
		if val > math.MaxUint32 || val < 0 {
			return nil, fmt.Errorf("overflow: %f does not fit into datatype %s", val, eType)
		}
		buf := make([]byte, 4)
		order.PutUint32(buf, uint32(val))
		return buf, nil
	case "float32":
		buf := make([]byte, 4)
		order.PutUint32(buf, math.Float32bits(float32(val)))
		return buf, nil
	case "float64":
		buf := make([]byte, 8)
		order.PutUint64(buf, math.Float64bits(val))
		return buf, nil
	default:
		return nil, fmt.Errorf("unsupported datatype: %s", eType)
	}
}

// convertForcedOrder reinterprets the natural big-endian byte layout of
// val as the word/byte arrangement forcedOrder names.
func convertForcedOrder(eType, forcedOrder string, val float64) ([]byte, error) {
	native, err := convertNativeOrder(eType, binary.BigEndian, val)
	if err != nil {
		return nil, err
	}
	switch len(native) {
	case 2:
		switch forcedOrder {
		case "AB":
			return []byte{native[0], native[1]}, nil
		case "BA":
			return []byte{native[1], native[0]}, nil
		}
	case 4:
		a, b, c, d := native[0], native[1], native[2], native[3]
		switch forcedOrder {
		case "ABCD":
			return []byte{a, b, c, d}, nil
		case "DCBA":
			return []byte{d, c, b, a}, nil
		case "BADC":
			return []byte{b, a, d, c}, nil
		case "CDAB":
			return []byte{c, d, a, b}, nil
		}
	}
	return nil, fmt.Errorf("invalid forced order: %s", forcedOrder)
}
