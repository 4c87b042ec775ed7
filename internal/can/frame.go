// Package can implements the CAN codec: bit-exact signal pack/unpack
// into/out of CAN frames (spec.md §4.3), in the DBC Motorola/Intel
// convention. Grounded on the teacher's J1939 frame parsing
// (cmd/agent-j1939/frame_processor.go uses binary.LittleEndian field
// extraction at fixed byte offsets) generalized to arbitrary bit offsets.
package can

// Frame mirrors the CAN frame contract of spec.md §6.
type Frame struct {
	ID       uint32
	Extended bool
	FD       bool
	BRS      bool
	RTR      bool
	DLC      uint8
	Data     [64]byte
	NowMS    uint64
}

// BuildMessage constructs a Frame from raw bytes.
func BuildMessage(id uint32, data []byte, dlc uint8, extended bool) Frame {
	var f Frame
	f.ID = id
	f.DLC = dlc
	f.Extended = extended
	n := copy(f.Data[:], data)
	_ = n
	return f
}
