// Package captcha implements the member verification challenge: a per-user
// puzzle with bounded attempts and a deadline.
package captcha

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"image/png"
	mrand "math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/dchest/captcha"
	"github.com/disgoorg/snowflake/v2"
	"github.com/shardguard/shardguard/internal/database/types"
	"github.com/shardguard/shardguard/internal/database/types/enum"
	"go.uber.org/zap"
)

// State is a session's verification outcome. Issued is the only
// non-terminal state; terminal sessions are removed from the table.
type State string

const (
	StateIssued   State = "issued"
	StateVerified State = "verified"
	StateFailed   State = "failed"
	StateExpired  State = "expired"
)

// Result reports what a submission did to the session.
type Result int

const (
	// ResultNoActiveSession means the subject has nothing to verify; the
	// message is simply not part of a challenge.
	ResultNoActiveSession Result = iota
	ResultVerified
	ResultIncorrect
	ResultFailed
	ResultExpired
)

// Outcome is emitted when a session reaches a terminal state. It carries the
// policy captured at issue time so the consumer acts on the rules that were
// in force when the challenge started.
type Outcome struct {
	GuildID        snowflake.ID
	UserID         snowflake.ID
	State          State
	Attempts       int
	KickOnFailure  bool
	VerifiedRoleID snowflake.ID
}

// Session is one user's active challenge. Image is a rendered PNG for text
// challenges; math challenges carry the puzzle in Question instead.
type Session struct {
	GuildID        snowflake.ID
	UserID         snowflake.ID
	Kind           enum.CaptchaKind
	Question       string
	Answer         string
	Image          []byte
	IssuedAt       time.Time
	ExpiresAt      time.Time
	Attempts       int
	MaxAttempts    int
	KickOnFailure  bool
	VerifiedRoleID snowflake.ID
}

type sessionKey struct {
	guildID snowflake.ID
	userID  snowflake.ID
}

// shardCount fixes the size of the session shard table. Shards let
// submissions for unrelated subjects proceed without contending on one lock.
const shardCount = 16

type sessionShard struct {
	mu       sync.Mutex
	sessions map[sessionKey]*Session
}

// Manager owns the session table. At most one active session exists per
// (guild, user); issuing a new one silently discards the old. Safe for
// concurrent use.
type Manager struct {
	onOutcome func(Outcome)
	clock     func() time.Time
	logger    *zap.Logger

	shards [shardCount]*sessionShard
}

// NewManager creates a captcha manager. onOutcome receives terminal-state
// notifications and may be nil.
func NewManager(onOutcome func(Outcome), logger *zap.Logger) *Manager {
	m := &Manager{
		onOutcome: onOutcome,
		clock:     time.Now,
		logger:    logger.Named("captcha"),
	}
	for i := range m.shards {
		m.shards[i] = &sessionShard{sessions: make(map[sessionKey]*Session)}
	}

	return m
}

func (m *Manager) shard(key sessionKey) *sessionShard {
	return m.shards[(uint64(key.guildID)^uint64(key.userID))%shardCount]
}

// SetClock replaces the time source, for tests.
func (m *Manager) SetClock(clock func() time.Time) {
	m.clock = clock
}

// Issue generates a challenge for the user under the guild's current policy
// and stores it as the active session. Any previous session for the subject
// is discarded without an outcome event. Returns nil when the captcha policy
// is disabled or malformed.
func (m *Manager) Issue(guildID, userID snowflake.ID, cfg *types.GuildSettings) (*Session, error) {
	if !cfg.CaptchaEnabled || !cfg.CaptchaValid() {
		return nil, nil
	}

	now := m.clock()

	session := &Session{
		GuildID:        guildID,
		UserID:         userID,
		Kind:           cfg.CaptchaKind,
		IssuedAt:       now,
		ExpiresAt:      now.Add(cfg.CaptchaTimeout()),
		MaxAttempts:    cfg.CaptchaMaxAttempts,
		KickOnFailure:  cfg.KickOnFailure,
		VerifiedRoleID: cfg.VerifiedRoleID,
	}

	switch cfg.CaptchaKind {
	case enum.CaptchaMath:
		session.Question, session.Answer = mathPuzzle()
	default:
		answer, image, err := digitImage(cfg.CaptchaLength)
		if err != nil {
			return nil, fmt.Errorf("failed to generate captcha image: %w", err)
		}

		session.Answer = answer
		session.Image = image
	}

	key := sessionKey{guildID, userID}
	shard := m.shard(key)

	shard.mu.Lock()
	shard.sessions[key] = session
	shard.mu.Unlock()

	m.logger.Debug("Issued captcha challenge",
		zap.Uint64("guildID", uint64(guildID)),
		zap.Uint64("userID", uint64(userID)),
		zap.String("kind", string(cfg.CaptchaKind)))

	return session, nil
}

// Active reports whether the subject has a pending challenge.
func (m *Manager) Active(guildID, userID snowflake.ID) bool {
	key := sessionKey{guildID, userID}
	shard := m.shard(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	_, ok := shard.sessions[key]

	return ok
}

// Submit checks an answer against the subject's active session. A correct
// answer verifies the session; a wrong one consumes an attempt and fails the
// session once attempts run out. A submission past the deadline expires the
// session even when attempts remain. Terminal transitions emit an Outcome.
func (m *Manager) Submit(guildID, userID snowflake.ID, answer string) Result {
	key := sessionKey{guildID, userID}
	now := m.clock()
	shard := m.shard(key)

	shard.mu.Lock()

	session, ok := shard.sessions[key]
	if !ok {
		shard.mu.Unlock()

		return ResultNoActiveSession
	}

	if now.After(session.ExpiresAt) {
		delete(shard.sessions, key)
		shard.mu.Unlock()

		m.emit(session, StateExpired)

		return ResultExpired
	}

	if strings.EqualFold(strings.TrimSpace(answer), session.Answer) {
		delete(shard.sessions, key)
		shard.mu.Unlock()

		m.emit(session, StateVerified)

		return ResultVerified
	}

	session.Attempts++

	if session.Attempts >= session.MaxAttempts {
		delete(shard.sessions, key)
		shard.mu.Unlock()

		m.emit(session, StateFailed)

		return ResultFailed
	}

	shard.mu.Unlock()

	return ResultIncorrect
}

// Sweep expires sessions past their deadline and returns how many it closed.
// This is the only path that times out users who never submit again.
func (m *Manager) Sweep(now time.Time) int {
	var expired []*Session

	for _, shard := range m.shards {
		shard.mu.Lock()

		for key, session := range shard.sessions {
			if now.After(session.ExpiresAt) {
				expired = append(expired, session)
				delete(shard.sessions, key)
			}
		}

		shard.mu.Unlock()
	}

	for _, session := range expired {
		m.emit(session, StateExpired)
	}

	return len(expired)
}

func (m *Manager) emit(session *Session, state State) {
	m.logger.Debug("Captcha session closed",
		zap.Uint64("guildID", uint64(session.GuildID)),
		zap.Uint64("userID", uint64(session.UserID)),
		zap.String("state", string(state)),
		zap.Int("attempts", session.Attempts))

	if m.onOutcome != nil {
		m.onOutcome(Outcome{
			GuildID:        session.GuildID,
			UserID:         session.UserID,
			State:          state,
			Attempts:       session.Attempts,
			KickOnFailure:  session.KickOnFailure,
			VerifiedRoleID: session.VerifiedRoleID,
		})
	}
}

// digitImage renders a random digit challenge as a PNG and returns the
// expected answer alongside it.
func digitImage(length int) (string, []byte, error) {
	digits := captcha.RandomDigits(length)

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate captcha ID: %w", err)
	}

	img := captcha.NewImage(hex.EncodeToString(idBytes), digits, captcha.StdWidth, captcha.StdHeight)

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, img); err != nil {
		return "", nil, fmt.Errorf("failed to encode captcha image: %w", err)
	}

	answer := make([]byte, len(digits))
	for i, d := range digits {
		answer[i] = '0' + d
	}

	return string(answer), buf.Bytes(), nil
}

// mathPuzzle builds a simple arithmetic question with small operands.
func mathPuzzle() (string, string) {
	a := mrand.IntN(20) + 1
	b := mrand.IntN(20) + 1

	var (
		op     string
		answer int
	)

	switch mrand.IntN(3) {
	case 0:
		op, answer = "+", a+b
	case 1:
		op, answer = "-", a-b
	default:
		op, answer = "*", a*b
	}

	return fmt.Sprintf("%d %s %d = ?", a, op, b), fmt.Sprintf("%d", answer)
}
