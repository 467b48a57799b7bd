package pairing

import (
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picobridge/pkg/config"
	"github.com/sipeed/picobridge/pkg/logger"
)

const (
	// codeAlphabet avoids visually confusable characters (no 0/O, 1/I).
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789-"
	codeLength   = 8

	pairingTTL     = 15 * time.Minute
	maxCodeRetries = 100
)

// PendingPairing is an outstanding pairing code bound to a handle. At
// most one unclaimed entry exists per handle at any time.
type PendingPairing struct {
	Code      string    `json:"code"`
	Handle    string    `json:"handle"`
	CreatedAt time.Time `json:"created_at"`
	Claimed   bool      `json:"claimed"`
}

// ConfigPort is the externally-owned configuration the claim flow reads
// and writes. Implemented by config.Store in production.
type ConfigPort interface {
	BridgeSettings() (config.BridgeSettings, error)
	SaveBridgeSettings(config.BridgeSettings) error
}

// Registry holds outstanding pairing codes in memory. State does not
// survive a process restart by design.
type Registry struct {
	mu      sync.Mutex
	codes   map[string]*PendingPairing
	limiter *claimLimiter
	now     func() time.Time
}

func NewRegistry() *Registry {
	r := &Registry{
		codes: make(map[string]*PendingPairing),
		now:   time.Now,
	}
	r.limiter = newClaimLimiter(func() time.Time { return r.now() })
	return r
}

// CreatePairingRequest returns a live pairing code for handle. A burst of
// messages from the same unapproved sender reuses the existing unclaimed
// entry (refreshing its expiry) instead of minting a code per message.
func (r *Registry) CreatePairingRequest(handle string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, entry := range r.codes {
		if entry.Handle == handle && !entry.Claimed && now.Sub(entry.CreatedAt) <= pairingTTL {
			entry.CreatedAt = now
			return entry.Code, nil
		}
	}

	for i := 0; i < maxCodeRetries; i++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		if _, exists := r.codes[code]; exists {
			continue
		}
		r.codes[code] = &PendingPairing{
			Code:      code,
			Handle:    handle,
			CreatedAt: now,
		}
		logger.InfoCF("pairing", "Pairing code created", map[string]interface{}{
			"handle": handle,
		})
		return code, nil
	}

	return "", ErrCodeGenerationExhausted
}

// GetPairingRequest looks up a code, tolerating surrounding whitespace and
// lowercase input. A found-but-expired entry is deleted on the spot.
func (r *Registry) GetPairingRequest(code string) *PendingPairing {
	r.mu.Lock()
	defer r.mu.Unlock()

	norm := normalizeCode(code)
	entry, ok := r.codes[norm]
	if !ok {
		return nil
	}
	if r.now().Sub(entry.CreatedAt) > pairingTTL {
		delete(r.codes, norm)
		return nil
	}
	copied := *entry
	return &copied
}

// CheckClaimRateLimit records one claim attempt from sourceID and reports
// whether it is allowed.
func (r *Registry) CheckClaimRateLimit(sourceID string) bool {
	return r.limiter.allow(sourceID)
}

// ClaimPairingCode approves a code: the bound handle is appended to the
// direct allow-list and the configuration persisted. When sourceID is
// non-empty the rate limiter is consulted first, so a denied attempt
// never burns a code lookup. The save is skipped entirely when the handle
// is already allow-listed.
func (r *Registry) ClaimPairingCode(code string, cfg ConfigPort, sourceID string) (string, error) {
	if sourceID != "" && !r.limiter.allow(sourceID) {
		return "", ErrRateLimited
	}

	r.mu.Lock()
	norm := normalizeCode(code)
	entry, ok := r.codes[norm]
	if !ok {
		r.mu.Unlock()
		return "", ErrInvalidCode
	}
	if r.now().Sub(entry.CreatedAt) > pairingTTL {
		delete(r.codes, norm)
		r.mu.Unlock()
		return "", ErrExpiredCode
	}
	if entry.Claimed {
		r.mu.Unlock()
		return "", ErrAlreadyClaimed
	}
	entry.Claimed = true
	delete(r.codes, norm)
	handle := entry.Handle
	r.mu.Unlock()

	settings, err := cfg.BridgeSettings()
	if err != nil {
		return "", fmt.Errorf("read settings: %w", err)
	}
	for _, h := range settings.AllowFrom {
		if h == handle {
			logger.InfoCF("pairing", "Handle already allow-listed", map[string]interface{}{
				"handle": handle,
			})
			return handle, nil
		}
	}
	settings.AllowFrom = append(settings.AllowFrom, handle)
	if err := cfg.SaveBridgeSettings(settings); err != nil {
		return "", fmt.Errorf("persist allow-list: %w", err)
	}

	logger.InfoCF("pairing", "Pairing claimed", map[string]interface{}{
		"handle": handle,
	})
	return handle, nil
}

// ListPairingRequests returns all live entries, oldest first, lazily
// dropping any expired ones found along the way.
func (r *Registry) ListPairingRequests() []PendingPairing {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]PendingPairing, 0, len(r.codes))
	for code, entry := range r.codes {
		if now.Sub(entry.CreatedAt) > pairingTTL {
			delete(r.codes, code)
			continue
		}
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CleanupExpired sweeps expired pairing codes and stale rate-limit
// windows. Run periodically as a backstop to the lazy deletions.
func (r *Registry) CleanupExpired() {
	r.mu.Lock()
	now := r.now()
	for code, entry := range r.codes {
		if now.Sub(entry.CreatedAt) > pairingTTL {
			delete(r.codes, code)
		}
	}
	r.mu.Unlock()

	r.limiter.sweep()
}

// PendingCount returns the number of live (non-expired) entries.
func (r *Registry) PendingCount() int {
	return len(r.ListPairingRequests())
}

// BuildPairingMessage renders the reply sent to an unapproved sender.
// Plain text only: iMessage renders no markup, and formatting characters
// would garble the code.
func BuildPairingMessage(code string) string {
	return fmt.Sprintf(
		"Hi! This contact isn't approved to chat with me yet.\n\n"+
			"Your pairing code: %s\n\n"+
			"Ask my owner to approve it with:\n"+
			"  picobridge pair approve %s\n\n"+
			"The code expires in %d minutes.",
		code, code, int(pairingTTL.Minutes()),
	)
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}
