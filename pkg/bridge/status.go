package bridge

import (
	"encoding/json"
	"time"

	"github.com/sipeed/picobridge/pkg/pairing"
)

// Status is the daemon snapshot served by the gateway. Counters only;
// never includes handles awaiting pairing or any credentials.
type Status struct {
	BackendRunning  bool             `json:"backend_running"`
	QueueDepth      int              `json:"queue_depth"`
	PendingPairings int              `json:"pending_pairings"`
	UptimeSeconds   int64            `json:"uptime_seconds"`
	Accepted        int64            `json:"accepted"`
	Rejected        int64            `json:"rejected"`
	PairingReplies  int64            `json:"pairing_replies"`
	Dropped         int64            `json:"dropped"`
	Sessions        map[string]int64 `json:"sessions"`
}

func (b *Bridge) Snapshot() Status {
	b.statsMu.Lock()
	sessions := make(map[string]int64, len(b.perChat))
	for k, v := range b.perChat {
		sessions[k] = v
	}
	st := Status{
		UptimeSeconds:  int64(time.Since(b.startedAt).Seconds()),
		Accepted:       b.accepted,
		Rejected:       b.rejected,
		PairingReplies: b.pairSent,
		Dropped:        b.dropped,
		Sessions:       sessions,
	}
	b.statsMu.Unlock()

	st.BackendRunning = b.backend.IsRunning()
	st.QueueDepth = b.QueueDepth()
	st.PendingPairings = b.pairings.PendingCount()
	return st
}

// ListChats passes a chat listing request through to the backend.
func (b *Bridge) ListChats(limit int) (json.RawMessage, error) {
	return b.backend.ListChats(limit)
}

// Pairings exposes the registry for the gateway and MCP surfaces.
func (b *Bridge) Pairings() *pairing.Registry {
	return b.pairings
}
