package detect

import "time"

// purgeEvery bounds how often the filter sweeps expired entries.
const purgeEvery = 256

// KeyedCooldownFilter suppresses repeat events for the same key within a
// fixed cooldown window. A key is allowed on first sight and again once the
// cooldown has fully elapsed since its last allowed emission.
type KeyedCooldownFilter struct {
	cooldown    time.Duration
	clock       Clock
	lastEmitted map[string]time.Time
	calls       int
}

// NewKeyedCooldownFilter creates a filter with the given cooldown window.
func NewKeyedCooldownFilter(cooldown time.Duration, clock Clock) *KeyedCooldownFilter {
	return &KeyedCooldownFilter{
		cooldown:    cooldown,
		clock:       clock,
		lastEmitted: make(map[string]time.Time),
	}
}

// Allow reports whether an event for key should be emitted now. When it
// returns true the current time is recorded as the key's last emission.
func (f *KeyedCooldownFilter) Allow(key string) bool {
	now := f.clock.Now()

	f.calls++
	if f.calls%purgeEvery == 0 {
		f.purge(now)
	}

	last, seen := f.lastEmitted[key]
	if seen && now.Sub(last) < f.cooldown {
		return false
	}
	f.lastEmitted[key] = now
	return true
}

// Len returns the number of keys currently tracked.
func (f *KeyedCooldownFilter) Len() int { return len(f.lastEmitted) }

// purge drops entries whose cooldown has expired; they would be allowed
// again anyway, so removing them only bounds memory.
func (f *KeyedCooldownFilter) purge(now time.Time) {
	for key, last := range f.lastEmitted {
		if now.Sub(last) >= f.cooldown {
			delete(f.lastEmitted, key)
		}
	}
}
