package moderation

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-relay/internal/observability"
)

// MuteRecord tracks one muted user. MutedAt is the instant the mute was first
// observed; the expiry is derived, never stored.
type MuteRecord struct {
	DurationSpec string
	MutedAt      time.Time
}

// MuteStatus is the result of a mute lookup.
type MuteStatus struct {
	Active bool
	Until  time.Time
}

// Snapshot holds the current moderation state: the blocked-word list and the
// mute table. Refresh swaps both atomically; message handlers only ever see a
// fully old or fully new state.
type Snapshot struct {
	source Source
	log    *zap.Logger
	now    func() time.Time

	mu           sync.RWMutex
	blockedWords []string
	mutes        map[string]MuteRecord
}

// NewSnapshot builds an empty snapshot backed by the given source.
func NewSnapshot(source Source, log *zap.Logger) *Snapshot {
	return &Snapshot{
		source: source,
		log:    log,
		now:    time.Now,
		mutes:  make(map[string]MuteRecord),
	}
}

// SetClock overrides the time source used for mute observation and expiry.
func (s *Snapshot) SetClock(now func() time.Time) {
	s.now = now
}

// Refresh fetches the roster and swaps in the new state. On failure the
// previous snapshot is retained so a flaky moderation source never disrupts
// broadcasting.
func (s *Snapshot) Refresh(ctx context.Context) error {
	roster, err := s.source.Fetch(ctx)
	if err != nil {
		s.log.Warn("moderation refresh failed, keeping previous snapshot", zap.Error(err))
		observability.IncModerationRefresh("error")
		return err
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.blockedWords = roster.BlockedWords

	fresh := make(map[string]MuteRecord, len(roster.Blacklist))
	for _, rec := range roster.Blacklist {
		if rec.UserID == "" {
			continue
		}
		// A user already muted keeps the original MutedAt so a repeated
		// roster entry does not extend the mute.
		if existing, ok := s.mutes[rec.UserID]; ok && existing.DurationSpec == rec.DurationSpec {
			fresh[rec.UserID] = existing
			continue
		}
		fresh[rec.UserID] = MuteRecord{DurationSpec: rec.DurationSpec, MutedAt: now}
	}
	s.mutes = fresh

	observability.IncModerationRefresh("ok")
	s.log.Debug("moderation snapshot refreshed",
		zap.Int("blocked_words", len(roster.BlockedWords)),
		zap.Int("mutes", len(fresh)))
	return nil
}

// IsBlocked reports whether text contains any blocked word as a plain
// case-sensitive substring. No tokenization.
func (s *Snapshot) IsBlocked(text string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.blockedWords {
		if w != "" && strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// MuteStatus reports whether userID is currently muted. A record whose
// duration has elapsed is removed as a side effect; no background sweep.
func (s *Snapshot) MuteStatus(userID string) MuteStatus {
	s.mu.RLock()
	rec, ok := s.mutes[userID]
	s.mu.RUnlock()
	if !ok {
		return MuteStatus{}
	}

	until := rec.MutedAt.Add(ParseDurationSpec(rec.DurationSpec))
	if s.now().Before(until) {
		return MuteStatus{Active: true, Until: until}
	}

	s.mu.Lock()
	// Re-check: a concurrent refresh may have replaced the record.
	if cur, ok := s.mutes[userID]; ok && cur == rec {
		delete(s.mutes, userID)
	}
	s.mu.Unlock()
	return MuteStatus{}
}

// RunRefresher refreshes the snapshot on a fixed interval until ctx is done.
// One refresh runs immediately so the relay does not start with an empty
// blocked-word list when the source is reachable.
func (s *Snapshot) RunRefresher(ctx context.Context, interval, timeout time.Duration) {
	refresh := func() {
		fctx, cancel := context.WithTimeout(ctx, timeout)
		_ = s.Refresh(fctx)
		cancel()
	}
	refresh()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			refresh()
		}
	}
}
