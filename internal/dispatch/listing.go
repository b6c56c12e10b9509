package dispatch

import (
	"strings"
	"sync"
	"time"
)

// Record is one entry of a cached listing.
type Record struct {
	ID     string         `json:"id"`
	Label  string         `json:"label,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Listing returns the records previously fetched for a tenant and job family.
type Listing interface {
	Lookup(mandatePath, family string) ([]Record, bool)
}

type listingEntry struct {
	records []Record
	at      time.Time
}

// MemoryListing is an in-process listing cache.
type MemoryListing struct {
	mu  sync.RWMutex
	ttl time.Duration
	now func() time.Time
	m   map[string]listingEntry
}

// NewMemoryListing returns a cache whose entries expire after ttl (0 keeps them).
func NewMemoryListing(ttl time.Duration) *MemoryListing {
	return &MemoryListing{ttl: ttl, now: time.Now, m: map[string]listingEntry{}}
}

func listingKey(mandatePath, family string) string {
	return strings.Trim(mandatePath, "/") + "|" + strings.ToLower(strings.TrimSpace(family))
}

// Put replaces the cached listing.
func (l *MemoryListing) Put(mandatePath, family string, records []Record) {
	cp := append([]Record(nil), records...)
	l.mu.Lock()
	l.m[listingKey(mandatePath, family)] = listingEntry{records: cp, at: l.now()}
	l.mu.Unlock()
}

func (l *MemoryListing) Lookup(mandatePath, family string) ([]Record, bool) {
	l.mu.RLock()
	e, ok := l.m[listingKey(mandatePath, family)]
	l.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if l.ttl > 0 && l.now().Sub(e.at) > l.ttl {
		return nil, false
	}
	return e.records, true
}

// Resolution is the outcome of matching references against a listing.
type Resolution struct {
	Resolved     []Record
	InvalidIDs   []string
	Alternatives []Alternative
}

// Resolve expands references against records. Duplicate and blank references
// are dropped. Alternatives are only filled when nothing resolved.
func Resolve(records []Record, refs []string, maxAlternatives int) Resolution {
	byID := make(map[string]Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	var res Resolution
	seen := map[string]struct{}{}
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		if r, ok := byID[ref]; ok {
			res.Resolved = append(res.Resolved, r)
		} else {
			res.InvalidIDs = append(res.InvalidIDs, ref)
		}
	}
	if len(res.Resolved) > 0 {
		return res
	}
	for _, r := range records {
		if len(res.Alternatives) >= maxAlternatives {
			break
		}
		res.Alternatives = append(res.Alternatives, Alternative{ID: r.ID, Label: r.Label})
	}
	return res
}
