package protocol

import (
	"fmt"
	"time"
)

// Statistics counts what went over the wire since start.
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	Received      uint64 // datagrams, including malformed ones
	Dispatched    uint64
	Malformed     uint64
	Unknown       uint64
	Local         uint64 // commands injected without a transport
	Sent          uint64
	SendErrors    uint64
	ReceiveErrors uint64
	Events        uint64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{StartTime: now, LastUpdateTime: now}
}

func (s *Statistics) touch() { s.LastUpdateTime = time.Now() }

// PacketRate returns received datagrams per second.
func (s *Statistics) PacketRate() float64 {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Received) / elapsed
}

// Errors is the sum of every failure counter.
func (s *Statistics) Errors() uint64 {
	return s.Malformed + s.Unknown + s.SendErrors + s.ReceiveErrors
}

// String returns a formatted statistics summary.
func (s *Statistics) String() string {
	elapsed := time.Since(s.StartTime)

	var malformedPercent float64
	if s.Received > 0 {
		malformedPercent = float64(s.Malformed) * 100.0 / float64(s.Received)
	}

	result := fmt.Sprintf("=== Protocol statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Received:        %8d (%.2f/s)\n", s.Received, s.PacketRate())
	result += fmt.Sprintf("Dispatched:      %8d\n", s.Dispatched)
	if s.Local > 0 {
		result += fmt.Sprintf("Local:           %8d\n", s.Local)
	}
	if s.Malformed > 0 {
		result += fmt.Sprintf("Malformed:       %8d (%.1f%%)\n", s.Malformed, malformedPercent)
	}
	if s.Unknown > 0 {
		result += fmt.Sprintf("Unknown codes:   %8d\n", s.Unknown)
	}
	result += fmt.Sprintf("Sent:            %8d\n", s.Sent)
	if s.SendErrors > 0 {
		result += fmt.Sprintf("Send errors:     %8d\n", s.SendErrors)
	}
	if s.ReceiveErrors > 0 {
		result += fmt.Sprintf("Receive errors:  %8d\n", s.ReceiveErrors)
	}
	result += fmt.Sprintf("Button events:   %8d\n", s.Events)
	return result
}
