package auth

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	DefaultMaxAttempts     = 5
	DefaultLockoutDuration = 15 * time.Minute

	lockoutShardCount = 16
)

type lockoutEntry struct {
	failures    int
	lockedSince time.Time // zero until the attempt threshold is crossed
}

type lockoutShard struct {
	mu      sync.Mutex
	entries map[string]*lockoutEntry
}

// LockoutLedger tracks failed login attempts per identity and the lockout
// window that opens once the attempt threshold is crossed. Identities hash
// onto independent shards so unrelated logins do not serialize on one lock.
//
// lockedSince + duration is the single source of truth for whether an
// identity is blocked; no other timestamp governs it.
type LockoutLedger struct {
	maxAttempts int
	duration    time.Duration
	shards      [lockoutShardCount]*lockoutShard
	now         func() time.Time
}

func NewLockoutLedger(maxAttempts int, duration time.Duration) *LockoutLedger {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if duration <= 0 {
		duration = DefaultLockoutDuration
	}

	ledger := &LockoutLedger{
		maxAttempts: maxAttempts,
		duration:    duration,
		now:         time.Now,
	}
	for i := range ledger.shards {
		ledger.shards[i] = &lockoutShard{entries: make(map[string]*lockoutEntry)}
	}

	return ledger
}

func (l *LockoutLedger) MaxAttempts() int { return l.maxAttempts }

func (l *LockoutLedger) Duration() time.Duration { return l.duration }

// RecordFailure increments the failure count for identity and returns the
// updated count. The count never exceeds the threshold: a locked identity is
// rejected before verification, so further failures must not extend the
// window. The unlock time is fixed the moment the threshold is crossed.
func (l *LockoutLedger) RecordFailure(identity string) int {
	if !trackable(identity) {
		return 0
	}

	shard := l.shard(identity)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry := shard.entries[identity]
	if entry == nil {
		entry = &lockoutEntry{}
		shard.entries[identity] = entry
	}
	if entry.failures >= l.maxAttempts {
		return entry.failures
	}

	entry.failures++
	if entry.failures >= l.maxAttempts && entry.lockedSince.IsZero() {
		entry.lockedSince = l.now().UTC()
	}

	return entry.failures
}

// RecordSuccess clears both the failure count and any lockout, whether or
// not the identity was locked.
func (l *LockoutLedger) RecordSuccess(identity string) {
	if !trackable(identity) {
		return
	}

	shard := l.shard(identity)
	shard.mu.Lock()
	delete(shard.entries, identity)
	shard.mu.Unlock()
}

// IsLocked reports whether identity is inside an active lockout window and,
// if so, when it unlocks. An elapsed window is cleared here immediately
// rather than lingering until the next sweep.
func (l *LockoutLedger) IsLocked(identity string) (bool, time.Time) {
	if !trackable(identity) {
		return false, time.Time{}
	}

	shard := l.shard(identity)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry := shard.entries[identity]
	if entry == nil || entry.lockedSince.IsZero() {
		return false, time.Time{}
	}

	unlockAt := entry.lockedSince.Add(l.duration)
	if !unlockAt.After(l.now().UTC()) {
		delete(shard.entries, identity)
		return false, time.Time{}
	}

	return true, unlockAt
}

// SweepExpired drops entries whose lockout window has elapsed, failure count
// included. LoginGate runs it at the start of every attempt as coarse
// housekeeping; per-identity expiry in IsLocked does not depend on it.
func (l *LockoutLedger) SweepExpired() {
	now := l.now().UTC()
	for _, shard := range l.shards {
		shard.mu.Lock()
		for identity, entry := range shard.entries {
			if !entry.lockedSince.IsZero() && !entry.lockedSince.Add(l.duration).After(now) {
				delete(shard.entries, identity)
			}
		}
		shard.mu.Unlock()
	}
}

// LockoutStatus is a point-in-time view of one tracked identity, for the
// operator status endpoint.
type LockoutStatus struct {
	Identity   string     `json:"identity"`
	Attempts   int        `json:"attempts"`
	Locked     bool       `json:"locked"`
	UnlockTime *time.Time `json:"unlockTime,omitempty"`
}

// Snapshot reports every currently tracked identity.
func (l *LockoutLedger) Snapshot() []LockoutStatus {
	now := l.now().UTC()
	statuses := make([]LockoutStatus, 0)

	for _, shard := range l.shards {
		shard.mu.Lock()
		for identity, entry := range shard.entries {
			status := LockoutStatus{Identity: identity, Attempts: entry.failures}
			if !entry.lockedSince.IsZero() {
				unlockAt := entry.lockedSince.Add(l.duration)
				if unlockAt.After(now) {
					status.Locked = true
					status.UnlockTime = &unlockAt
				}
			}
			statuses = append(statuses, status)
		}
		shard.mu.Unlock()
	}

	return statuses
}

func (l *LockoutLedger) shard(identity string) *lockoutShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return l.shards[h.Sum32()%lockoutShardCount]
}

func trackable(identity string) bool {
	return identity != "" && identity != unknownIdentity
}
