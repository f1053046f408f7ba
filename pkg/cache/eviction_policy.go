package cache

import (
	"fmt"
	"time"
)

// CacheEntry is the per-entry metadata an eviction policy inspects.
type CacheEntry struct {
	Key          string
	StoredAt     time.Time
	LastAccessAt time.Time
	HitCount     int64
}

// EvictionPolicy selects a victim when the bounded local tier is full.
type EvictionPolicy interface {
	SelectVictim(entries []CacheEntry) int
}

type FIFOPolicy struct{}

func (p *FIFOPolicy) SelectVictim(entries []CacheEntry) int {
	if len(entries) == 0 {
		return -1
	}

	oldestIdx := 0
	for i := 1; i < len(entries); i++ {
		if entries[i].StoredAt.Before(entries[oldestIdx].StoredAt) {
			oldestIdx = i
		}
	}
	return oldestIdx
}

type LRUPolicy struct{}

func (p *LRUPolicy) SelectVictim(entries []CacheEntry) int {
	if len(entries) == 0 {
		return -1
	}

	oldestIdx := 0
	for i := 1; i < len(entries); i++ {
		if entries[i].LastAccessAt.Before(entries[oldestIdx].LastAccessAt) {
			oldestIdx = i
		}
	}
	return oldestIdx
}

type LFUPolicy struct{}

func (p *LFUPolicy) SelectVictim(entries []CacheEntry) int {
	if len(entries) == 0 {
		return -1
	}

	victimIdx := 0
	for i := 1; i < len(entries); i++ {
		if entries[i].HitCount < entries[victimIdx].HitCount {
			victimIdx = i
		} else if entries[i].HitCount == entries[victimIdx].HitCount {
			// Use LRU as tiebreaker to avoid random selection
			if entries[i].LastAccessAt.Before(entries[victimIdx].LastAccessAt) {
				victimIdx = i
			}
		}
	}
	return victimIdx
}

// NewEvictionPolicy returns the policy named in configuration.
func NewEvictionPolicy(name string) (EvictionPolicy, error) {
	switch name {
	case "fifo", "":
		return &FIFOPolicy{}, nil
	case "lru":
		return &LRUPolicy{}, nil
	case "lfu":
		return &LFUPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown eviction policy: %s (supported: fifo, lru, lfu)", name)
	}
}
