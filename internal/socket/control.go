//go:build linux || darwin

package socket

import "encoding/binary"

type opcode uint8

const (
	opListen opcode = iota + 1
	opConnect
	opAttach
	opSend
	opClose
	opExit
)

func (o opcode) String() string {
	switch o {
	case opListen:
		return "listen"
	case opConnect:
		return "connect"
	case opAttach:
		return "attach"
	case opSend:
		return "send"
	case opClose:
		return "close"
	case opExit:
		return "exit"
	default:
		return "unknown"
	}
}

// recordSize is the fixed size of a control record on the pipe:
// op, three bytes of padding, id and one argument.
const recordSize = 12

type record struct {
	op  opcode
	id  int32
	arg uint32
}

func (r record) encode() [recordSize]byte {
	var b [recordSize]byte
	b[0] = byte(r.op)
	binary.LittleEndian.PutUint32(b[4:8], uint32(r.id))
	binary.LittleEndian.PutUint32(b[8:12], r.arg)
	return b
}

func decodeRecord(b []byte) record {
	return record{
		op:  opcode(b[0]),
		id:  int32(binary.LittleEndian.Uint32(b[4:8])),
		arg: binary.LittleEndian.Uint32(b[8:12]),
	}
}
