// Package protocol implements the fixed-size remote control protocol: a
// one-byte command code followed by a little-endian float32 payload.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cjeanneret/ProxGo/internal/hw/button"
)

// PacketSize is the exact wire size of every packet.
const PacketSize = 5

var ErrPacketSize = fmt.Errorf("packet must be exactly %d bytes", PacketSize)

// ErrUnknownCommand is returned by ParseCommand.
var ErrUnknownCommand = errors.New("unknown command")

// AckPayload is the acknowledgement sentinel: the float whose wire bytes
// spell "OK\x00\x00".
var AckPayload = math.Float32frombits(binary.LittleEndian.Uint32([]byte{'O', 'K', 0, 0}))

// Command is the first byte of a packet.
type Command uint8

const (
	CheckCurrentPosition  Command = 0
	SendNewTargetPosition Command = 1
	SendNewSpeed          Command = 2
	CheckIsTargetReached  Command = 3
	CheckCurrentSpeed     Command = 4
	Recalibrate           Command = 5
	CheckExpectedTime     Command = 6
	EventButtonDown       Command = 7 // unsolicited
	EventButtonUp         Command = 8 // unsolicited
	SendSavePower         Command = 9
	Disconnect            Command = 10
	SteppingMode          Command = 11
	VersionInfo           Command = 12
)

var commandNames = [...]string{
	CheckCurrentPosition:  "CHECK_CURRENT_POSITION",
	SendNewTargetPosition: "SEND_NEW_TARGET_POSITION",
	SendNewSpeed:          "SEND_NEW_SPEED",
	CheckIsTargetReached:  "CHECK_IS_TARGET_REACHED",
	CheckCurrentSpeed:     "CHECK_CURRENT_SPEED",
	Recalibrate:           "RECALIBRATE",
	CheckExpectedTime:     "CHECK_EXPECTED_TIME",
	EventButtonDown:       "EVENT_BUTTON_DOWN",
	EventButtonUp:         "EVENT_BUTTON_UP",
	SendSavePower:         "SEND_SAVE_POWER",
	Disconnect:            "DISCONNECT",
	SteppingMode:          "STEPPING_MODE",
	VersionInfo:           "VERSION_INFO",
}

func (c Command) String() string {
	if c.Known() {
		return commandNames[c]
	}
	return fmt.Sprintf("UNKNOWN_%d", uint8(c))
}

// Known reports whether c is part of the command set.
func (c Command) Known() bool { return int(c) < len(commandNames) }

// IsEvent reports whether c is an unsolicited button notification.
func (c Command) IsEvent() bool { return c == EventButtonDown || c == EventButtonUp }

// ParseCommand accepts a command name (case-insensitive) or its decimal code.
func ParseCommand(s string) (Command, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		c := Command(n)
		if !c.Known() {
			return 0, fmt.Errorf("%w: %d", ErrUnknownCommand, n)
		}
		return c, nil
	}
	for i, name := range commandNames {
		if strings.EqualFold(name, s) {
			return Command(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

// ButtonEventCommand maps a button edge onto the event code space (6 + event).
func ButtonEventCommand(ev button.Event) (Command, bool) {
	switch ev {
	case button.Pressed, button.Released:
		return Command(6 + int(ev)), true
	default:
		return 0, false
	}
}

// Packet is one protocol message.
type Packet struct {
	Command Command
	Payload float32
}

// Ack builds the acknowledgement response for cmd.
func Ack(cmd Command) Packet { return Packet{Command: cmd, Payload: AckPayload} }

// IsAck reports whether the payload is the acknowledgement sentinel.
func (p Packet) IsAck() bool {
	return math.Float32bits(p.Payload) == math.Float32bits(AckPayload)
}

func (p Packet) String() string {
	if p.IsAck() {
		return fmt.Sprintf("%s(OK)", p.Command)
	}
	return fmt.Sprintf("%s(%g)", p.Command, p.Payload)
}

// Encode writes p in wire layout.
func Encode(p Packet) [PacketSize]byte {
	var b [PacketSize]byte
	b[0] = byte(p.Command)
	binary.LittleEndian.PutUint32(b[1:], math.Float32bits(p.Payload))
	return b
}

// Decode parses one packet. Any length other than PacketSize is rejected.
func Decode(b []byte) (Packet, error) {
	if len(b) != PacketSize {
		return Packet{}, fmt.Errorf("%w: got %d", ErrPacketSize, len(b))
	}
	return Packet{
		Command: Command(b[0]),
		Payload: math.Float32frombits(binary.LittleEndian.Uint32(b[1:])),
	}, nil
}

func (p Packet) MarshalBinary() ([]byte, error) {
	b := Encode(p)
	return b[:], nil
}

func (p *Packet) UnmarshalBinary(b []byte) error {
	d, err := Decode(b)
	if err != nil {
		return err
	}
	*p = d
	return nil
}
