package bin

import "encoding/binary"

// PutU32BE writes a uint32 in big-endian order.
func PutU32BE(dst []byte, v uint32) { binary.BigEndian.PutUint32(dst, v) }

// U32BE reads a uint32 in big-endian order.
func U32BE(src []byte) uint32 { return binary.BigEndian.Uint32(src) }
