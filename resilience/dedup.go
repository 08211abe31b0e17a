package resilience

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/keelmq/keel-go/contracts"
)

// DedupConfig holds the sliding-window deduplication limits. Zero fields
// take the documented defaults.
type DedupConfig struct {
	// Window is how long a fingerprint is remembered. Default 5m.
	Window time.Duration
	// MaxEntries caps the number of remembered fingerprints. When exceeded,
	// the oldest entries are evicted until the size is back under
	// MaxEntries minus a tenth. Default 10000.
	MaxEntries int
}

func (c DedupConfig) withDefaults() DedupConfig {
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10000
	}
	return c
}

type dedupEntry struct {
	fingerprint string
	seenAt      time.Time
}

// Deduplicator detects repeated deliveries of the same logical message
// within a sliding time window. The fingerprint is the message ID when
// present, otherwise a content hash over topic, payload, and correlation ID.
type Deduplicator struct {
	mu      sync.Mutex
	cfg     DedupConfig
	seen    map[string]time.Time
	entries []dedupEntry // insertion order, oldest first
}

// NewDeduplicator creates an empty deduplicator.
func NewDeduplicator(cfg DedupConfig) *Deduplicator {
	return &Deduplicator{
		cfg:  cfg.withDefaults(),
		seen: make(map[string]time.Time),
	}
}

// IsDuplicate reports whether msg was already seen inside the window. The
// first sighting records the fingerprint and returns false; it is not
// refreshed by later sightings, so a fingerprint expires Window after its
// first appearance regardless of how often it was replayed.
func (d *Deduplicator) IsDuplicate(msg *contracts.Message) bool {
	if msg == nil {
		return false
	}
	fp := Fingerprint(msg)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.purge(now)

	if _, ok := d.seen[fp]; ok {
		return true
	}

	d.seen[fp] = now
	d.entries = append(d.entries, dedupEntry{fingerprint: fp, seenAt: now})

	if len(d.seen) > d.cfg.MaxEntries {
		d.evictOldest()
	}
	return false
}

// Len returns the number of live fingerprints.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.purge(time.Now())
	return len(d.seen)
}

// purge drops entries older than the window. Callers must hold d.mu.
func (d *Deduplicator) purge(now time.Time) {
	cutoff := now.Add(-d.cfg.Window)
	i := 0
	for ; i < len(d.entries); i++ {
		if d.entries[i].seenAt.After(cutoff) {
			break
		}
		delete(d.seen, d.entries[i].fingerprint)
	}
	if i > 0 {
		d.entries = append(d.entries[:0], d.entries[i:]...)
	}
}

// evictOldest removes entries until the map is under the cap with a tenth
// of headroom. Callers must hold d.mu.
func (d *Deduplicator) evictOldest() {
	target := d.cfg.MaxEntries - d.cfg.MaxEntries/10
	for len(d.seen) > target && len(d.entries) > 0 {
		delete(d.seen, d.entries[0].fingerprint)
		d.entries = d.entries[1:]
	}
}

// Fingerprint returns the deduplication identity of a message: the explicit
// ID when set, otherwise a SHA-256 digest of topic, payload, and
// correlation ID.
func Fingerprint(msg *contracts.Message) string {
	if msg.ID != "" {
		return msg.ID
	}
	h := sha256.New()
	h.Write([]byte(msg.Topic))
	h.Write([]byte{0})
	h.Write(msg.Payload)
	h.Write([]byte{0})
	h.Write([]byte(msg.CorrelationID))
	return hex.EncodeToString(h.Sum(nil))
}
