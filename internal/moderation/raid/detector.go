// Package raid detects coordinated join floods and tracks the lifecycle of
// an active raid per guild.
package raid

import (
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/shardguard/shardguard/internal/database/types"
	"github.com/shardguard/shardguard/internal/moderation/event"
	"github.com/shardguard/shardguard/internal/moderation/window"
	"go.uber.org/zap"
)

// Signal is the outcome of observing one join. Started is set only on the
// join that opened the raid; Participants then carries everyone attributed
// from the current window, including earlier joiners.
type Signal struct {
	IsRaid        bool
	Started       bool
	AffectedCount int
	NewAccount    bool
	Participants  []snowflake.ID
}

// Ended is emitted when a raid closes, either by inactivity or manually.
type Ended struct {
	GuildID      snowflake.ID
	StartedAt    time.Time
	EndedAt      time.Time
	Count        int
	Participants []snowflake.ID
}

// state is one guild's active raid. The settings snapshot is taken when the
// raid opens so mid-raid configuration edits do not change its behavior.
type state struct {
	startedAt    time.Time
	lastJoin     time.Time
	participants map[snowflake.ID]struct{}
	settings     *types.GuildSettings
}

type joinRecord struct {
	userID snowflake.ID
	at     time.Time
}

// guildState is one guild's raid bookkeeping under its own lock, so join
// bursts in unrelated guilds never serialize on each other.
type guildState struct {
	mu     sync.Mutex
	raid   *state // nil when no raid is open
	recent []joinRecord
}

// appendRecent records a pre-raid joiner and prunes entries older than the
// window, keeping an attribution list for raid onset. Must hold gs.mu.
func (gs *guildState) appendRecent(userID snowflake.ID, now time.Time, joinWindow time.Duration) []joinRecord {
	records := append(gs.recent, joinRecord{userID: userID, at: now})

	cutoff := now.Add(-joinWindow)
	start := 0

	for start < len(records) && !records[start].at.After(cutoff) {
		start++
	}

	records = records[start:]
	gs.recent = records

	return records
}

// Detector watches join events per guild. At most one raid is active per
// guild at a time. It is safe for concurrent use.
type Detector struct {
	tracker *window.Tracker
	onEnded func(Ended)
	logger  *zap.Logger

	mu     sync.RWMutex
	guilds map[snowflake.ID]*guildState
}

// NewDetector creates a raid detector. onEnded receives closure
// notifications and may be nil.
func NewDetector(tracker *window.Tracker, onEnded func(Ended), logger *zap.Logger) *Detector {
	return &Detector{
		tracker: tracker,
		onEnded: onEnded,
		logger:  logger.Named("raid_detector"),
		guilds:  make(map[snowflake.ID]*guildState),
	}
}

func (d *Detector) guild(guildID snowflake.ID, create bool) *guildState {
	d.mu.RLock()
	gs, ok := d.guilds[guildID]
	d.mu.RUnlock()

	if ok || !create {
		return gs
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Another goroutine may have created it between the two lock sections.
	if gs, ok = d.guilds[guildID]; ok {
		return gs
	}

	gs = &guildState{}
	d.guilds[guildID] = gs

	return gs
}

// ObserveJoin records a join and reports whether the guild is under raid.
// While a raid is open every join is attributed to it directly, bypassing
// the threshold check. A disabled or malformed raid policy leaves no trace.
func (d *Detector) ObserveJoin(join event.Join, cfg *types.GuildSettings) Signal {
	if !cfg.RaidEnabled || !cfg.RaidValid() {
		return Signal{}
	}

	now := join.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	newAccount := !join.AccountCreatedAt.IsZero() &&
		now.Sub(join.AccountCreatedAt) < cfg.NewAccountAge()

	gs := d.guild(join.GuildID, true)

	gs.mu.Lock()
	defer gs.mu.Unlock()

	if st := gs.raid; st != nil {
		st.participants[join.UserID] = struct{}{}
		st.lastJoin = now

		return Signal{
			IsRaid:        true,
			AffectedCount: len(st.participants),
			NewAccount:    newAccount,
		}
	}

	key := window.Key{GuildID: join.GuildID, Metric: "joins"}
	count := d.tracker.Observe(key, 1, cfg.JoinWindow(), now)

	recent := gs.appendRecent(join.UserID, now, cfg.JoinWindow())

	if count < cfg.JoinThreshold {
		return Signal{NewAccount: newAccount}
	}

	// Threshold crossed with no open raid: open one and attribute every
	// joiner still inside the window.
	st := &state{
		startedAt:    now,
		lastJoin:     now,
		participants: make(map[snowflake.ID]struct{}, len(recent)),
		settings:     cfg,
	}
	for _, rec := range recent {
		st.participants[rec.userID] = struct{}{}
	}

	gs.raid = st
	gs.recent = nil

	participants := make([]snowflake.ID, 0, len(st.participants))
	for userID := range st.participants {
		participants = append(participants, userID)
	}

	d.logger.Warn("Raid detected",
		zap.Uint64("guildID", uint64(join.GuildID)),
		zap.Int("joins", count),
		zap.Int("threshold", cfg.JoinThreshold),
		zap.Int("participants", len(participants)))

	return Signal{
		IsRaid:        true,
		Started:       true,
		AffectedCount: len(participants),
		NewAccount:    newAccount,
		Participants:  participants,
	}
}

// Active reports whether the guild currently has an open raid.
func (d *Detector) Active(guildID snowflake.ID) bool {
	gs := d.guild(guildID, false)
	if gs == nil {
		return false
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	return gs.raid != nil
}

// EndRaid closes the guild's raid manually. It is idempotent and reports
// whether a raid was actually closed.
func (d *Detector) EndRaid(guildID snowflake.ID) bool {
	gs := d.guild(guildID, false)
	if gs == nil {
		return false
	}

	gs.mu.Lock()
	st := gs.raid
	gs.raid = nil
	gs.mu.Unlock()

	if st == nil {
		return false
	}

	d.close(guildID, st, time.Now())

	return true
}

// Sweep closes raids that have gone quiet for longer than their join window,
// measured with the settings captured when the raid opened. It also prunes
// stale pre-raid join records and drops guild entries with nothing left to
// track. Returns the number of raids closed. Per-guild locks are held only
// for that guild's critical section.
func (d *Detector) Sweep(now time.Time) int {
	d.mu.RLock()

	guilds := make([]snowflake.ID, 0, len(d.guilds))
	for guildID := range d.guilds {
		guilds = append(guilds, guildID)
	}

	d.mu.RUnlock()

	var expired []struct {
		guildID snowflake.ID
		st      *state
	}

	var idle []snowflake.ID

	for _, guildID := range guilds {
		gs := d.guild(guildID, false)
		if gs == nil {
			continue
		}

		gs.mu.Lock()

		if st := gs.raid; st != nil && now.Sub(st.lastJoin) > st.settings.JoinWindow() {
			expired = append(expired, struct {
				guildID snowflake.ID
				st      *state
			}{guildID, st})
			gs.raid = nil
		}

		if n := len(gs.recent); n > 0 && now.Sub(gs.recent[n-1].at) > time.Hour {
			gs.recent = nil
		}

		if gs.raid == nil && len(gs.recent) == 0 {
			idle = append(idle, guildID)
		}

		gs.mu.Unlock()
	}

	for _, guildID := range idle {
		d.mu.Lock()

		// Re-check under the write lock; the guild may have been touched
		// since it was collected.
		if gs, ok := d.guilds[guildID]; ok {
			gs.mu.Lock()
			if gs.raid == nil && len(gs.recent) == 0 {
				delete(d.guilds, guildID)
			}
			gs.mu.Unlock()
		}

		d.mu.Unlock()
	}

	for _, e := range expired {
		d.close(e.guildID, e.st, now)
	}

	return len(expired)
}

func (d *Detector) close(guildID snowflake.ID, st *state, endedAt time.Time) {
	participants := make([]snowflake.ID, 0, len(st.participants))
	for userID := range st.participants {
		participants = append(participants, userID)
	}

	d.logger.Info("Raid ended",
		zap.Uint64("guildID", uint64(guildID)),
		zap.Time("startedAt", st.startedAt),
		zap.Int("participants", len(participants)))

	if d.onEnded != nil {
		d.onEnded(Ended{
			GuildID:      guildID,
			StartedAt:    st.startedAt,
			EndedAt:      endedAt,
			Count:        len(participants),
			Participants: participants,
		})
	}
}
