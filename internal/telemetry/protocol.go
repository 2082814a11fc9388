// Package telemetry publishes per-tick controller snapshots to monitoring
// clients as length-prefixed JSON frames, and accepts a small command
// vocabulary (mode change, call placement) from them.
package telemetry

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sugawarayuuta/sonnet"
)

const ProtocolVersion = 1

// maxFrameSize bounds inbound command frames.
const maxFrameSize = 64 * 1024

// Command is a request from a monitoring client.
type Command struct {
	ProtocolVersion int    `json:"protocol_version"`
	Command         string `json:"command"`
	Mode            string `json:"mode,omitempty"`
	Phase           int    `json:"phase,omitempty"`
	Ped             bool   `json:"ped,omitempty"`
}

const (
	CommandPing = "ping"
	CommandMode = "mode"
	CommandCall = "call"
)

// WriteFrame writes a length-prefixed JSON frame.
// Format: [4-byte BigEndian length][JSON payload]
func WriteFrame(w io.Writer, v any) error {
	data, err := sonnet.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return WriteRawFrame(w, data)
}

// WriteRawFrame writes an already-encoded payload with its length prefix.
func WriteRawFrame(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame.
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := sonnet.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
