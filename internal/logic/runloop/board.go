package runloop

import (
	"sync"
	"time"

	"github.com/cjeanneret/ProxGo/internal/logic/proxy"
	"github.com/cjeanneret/ProxGo/internal/protocol"
)

// Snapshot is what readers outside the loop goroutine get to see.
type Snapshot struct {
	proxy.Status
	Session   protocol.Session `json:"session"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Board holds the latest snapshot for concurrent readers (web, telemetry).
type Board struct {
	mu   sync.RWMutex
	snap Snapshot
}

func (b *Board) Set(s Snapshot) {
	b.mu.Lock()
	b.snap = s
	b.mu.Unlock()
}

func (b *Board) Get() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap
}
