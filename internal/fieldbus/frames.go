package fieldbus

import (
	"fmt"

	"github.com/InstanceGaming/atsc/internal/model"
)

// FrameVersion is the logical frame layout revision shared with the
// transceiver firmware.
const FrameVersion = 11

// Device addresses on the bus.
const (
	AddrController byte = 0xFF
	AddrTFIB       byte = 0x08
)

// FrameType identifies the logical frame kind.
type FrameType byte

const (
	TypeUnknown FrameType = 0
	TypeAwk     FrameType = 1
	TypeNak     FrameType = 2
	TypeIgn     FrameType = 3
	TypeBeacon  FrameType = 4
	TypeOutputs FrameType = 16
	TypeInputs  FrameType = 32
)

// OutputFrame is the per-tick command frame: the transfer bit and the
// three-line state of every load switch, in switch order.
type OutputFrame struct {
	Address  byte
	Transfer bool
	Switches []model.LoadSwitchOutput
}

// lineBits packs two load switches per payload byte; the unused bit
// positions are reserved by the transceiver.
var lineBits = [6]byte{64, 32, 16, 4, 2, 1}

// Encode builds the on-wire HDLC frame.
func (f OutputFrame) Encode() []byte {
	lines := make([]bool, 0, len(f.Switches)*3)
	for _, sw := range f.Switches {
		lines = append(lines, sw.A, sw.B, sw.C)
	}

	count := (len(lines) + 5) / 6
	payload := make([]byte, 1+count)
	if f.Transfer {
		payload[0] = 128
	}
	for i, on := range lines {
		if on {
			payload[1+i/6] |= lineBits[i%6]
		}
	}

	content := append([]byte{f.Address, FrameVersion, byte(TypeOutputs)}, payload...)
	return hdlcEncode(content)
}

// InputFrame is the transceiver's reply: one level bit per discrete input,
// most significant bit first.
type InputFrame struct {
	Address byte
	Levels  []bool
}

// DecodeInputFrame parses the content of an HDLC frame captured between
// flag octets.
func DecodeInputFrame(raw []byte) (InputFrame, error) {
	content, err := hdlcDecode(raw)
	if err != nil {
		return InputFrame{}, err
	}
	if len(content) < 3 {
		return InputFrame{}, fmt.Errorf("%w: short header", ErrBadFrame)
	}
	if content[1] != FrameVersion {
		return InputFrame{}, fmt.Errorf("%w: frame version %d", ErrBadFrame, content[1])
	}
	if FrameType(content[2]) != TypeInputs {
		return InputFrame{}, fmt.Errorf("%w: unexpected frame type %d", ErrBadFrame, content[2])
	}

	bits := content[3:]
	levels := make([]bool, 0, len(bits)*8)
	for _, b := range bits {
		for i := 7; i >= 0; i-- {
			levels = append(levels, b&(1<<i) != 0)
		}
	}
	return InputFrame{Address: content[0], Levels: levels}, nil
}

// EncodeInputFrame builds an input frame as the transceiver would; the
// loopback driver and tests use it.
func EncodeInputFrame(address byte, levels []bool) []byte {
	count := (len(levels) + 7) / 8
	bits := make([]byte, count)
	for i, on := range levels {
		if on {
			bits[i/8] |= 1 << (7 - i%8)
		}
	}
	content := append([]byte{address, FrameVersion, byte(TypeInputs)}, bits...)
	return hdlcEncode(content)
}
