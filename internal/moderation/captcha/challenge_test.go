package captcha_test

import (
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/shardguard/shardguard/internal/database/types"
	"github.com/shardguard/shardguard/internal/database/types/enum"
	"github.com/shardguard/shardguard/internal/moderation/captcha"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func captchaSettings(guildID snowflake.ID) *types.GuildSettings {
	cfg := types.DefaultGuildSettings(guildID)
	cfg.CaptchaEnabled = true

	return cfg
}

func newManager(t *testing.T) (*captcha.Manager, *[]captcha.Outcome, func(time.Time)) {
	t.Helper()

	outcomes := &[]captcha.Outcome{}
	manager := captcha.NewManager(func(o captcha.Outcome) { *outcomes = append(*outcomes, o) }, zap.NewNop())

	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	manager.SetClock(func() time.Time { return now })

	return manager, outcomes, func(at time.Time) { now = at }
}

func TestIssueAndVerify(t *testing.T) {
	t.Parallel()

	manager, outcomes, _ := newManager(t)
	cfg := captchaSettings(1)

	session, err := manager.Issue(1, 10, cfg)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Len(t, session.Answer, cfg.CaptchaLength)
	assert.NotEmpty(t, session.Image)
	assert.True(t, manager.Active(1, 10))

	result := manager.Submit(1, 10, session.Answer)
	assert.Equal(t, captcha.ResultVerified, result)
	assert.False(t, manager.Active(1, 10))

	require.Len(t, *outcomes, 1)
	assert.Equal(t, captcha.StateVerified, (*outcomes)[0].State)
}

func TestMathChallenge(t *testing.T) {
	t.Parallel()

	manager, _, _ := newManager(t)
	cfg := captchaSettings(1)
	cfg.CaptchaKind = enum.CaptchaMath

	session, err := manager.Issue(1, 10, cfg)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Contains(t, session.Question, "= ?")
	assert.Empty(t, session.Image)

	assert.Equal(t, captcha.ResultVerified, manager.Submit(1, 10, session.Answer))
}

func TestAttemptsExhausted(t *testing.T) {
	t.Parallel()

	manager, outcomes, _ := newManager(t)
	cfg := captchaSettings(1)
	require.Equal(t, 3, cfg.CaptchaMaxAttempts)

	_, err := manager.Issue(1, 10, cfg)
	require.NoError(t, err)

	assert.Equal(t, captcha.ResultIncorrect, manager.Submit(1, 10, "wrong"))
	assert.Equal(t, captcha.ResultIncorrect, manager.Submit(1, 10, "wrong"))
	assert.Equal(t, captcha.ResultFailed, manager.Submit(1, 10, "wrong"))

	assert.False(t, manager.Active(1, 10))
	require.Len(t, *outcomes, 1)
	assert.Equal(t, captcha.StateFailed, (*outcomes)[0].State)
	assert.Equal(t, 3, (*outcomes)[0].Attempts)
}

func TestCorrectOnLastAttempt(t *testing.T) {
	t.Parallel()

	manager, outcomes, _ := newManager(t)
	cfg := captchaSettings(1)

	session, err := manager.Issue(1, 10, cfg)
	require.NoError(t, err)

	assert.Equal(t, captcha.ResultIncorrect, manager.Submit(1, 10, "wrong"))
	assert.Equal(t, captcha.ResultIncorrect, manager.Submit(1, 10, "wrong"))

	// The third submission is still accepted when correct.
	assert.Equal(t, captcha.ResultVerified, manager.Submit(1, 10, session.Answer))

	require.Len(t, *outcomes, 1)
	assert.Equal(t, captcha.StateVerified, (*outcomes)[0].State)
}

func TestLateSubmissionExpires(t *testing.T) {
	t.Parallel()

	manager, outcomes, advance := newManager(t)
	cfg := captchaSettings(1)

	session, err := manager.Issue(1, 10, cfg)
	require.NoError(t, err)

	// Past the deadline even a correct answer expires the session.
	advance(session.ExpiresAt.Add(time.Second))

	assert.Equal(t, captcha.ResultExpired, manager.Submit(1, 10, session.Answer))
	assert.False(t, manager.Active(1, 10))

	require.Len(t, *outcomes, 1)
	assert.Equal(t, captcha.StateExpired, (*outcomes)[0].State)
}

func TestSweepExpiresSilentSessions(t *testing.T) {
	t.Parallel()

	manager, outcomes, _ := newManager(t)
	cfg := captchaSettings(1)

	_, err := manager.Issue(1, 10, cfg)
	require.NoError(t, err)
	_, err = manager.Issue(1, 11, cfg)
	require.NoError(t, err)

	base := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 0, manager.Sweep(base.Add(time.Minute)))

	closed := manager.Sweep(base.Add(10 * time.Minute))
	assert.Equal(t, 2, closed)
	assert.Len(t, *outcomes, 2)

	for _, o := range *outcomes {
		assert.Equal(t, captcha.StateExpired, o.State)
	}
}

func TestReissueDiscardsSilently(t *testing.T) {
	t.Parallel()

	manager, outcomes, _ := newManager(t)
	cfg := captchaSettings(1)

	first, err := manager.Issue(1, 10, cfg)
	require.NoError(t, err)

	second, err := manager.Issue(1, 10, cfg)
	require.NoError(t, err)

	// Discarding the superseded session emits no outcome, and its answer
	// no longer verifies unless both challenges happen to match.
	assert.Empty(t, *outcomes)

	if first.Answer != second.Answer {
		assert.Equal(t, captcha.ResultIncorrect, manager.Submit(1, 10, first.Answer))
	}
}

func TestSubmitWithoutSession(t *testing.T) {
	t.Parallel()

	manager, outcomes, _ := newManager(t)

	assert.Equal(t, captcha.ResultNoActiveSession, manager.Submit(1, 10, "anything"))
	assert.Empty(t, *outcomes)
}

func TestDisabledPolicy(t *testing.T) {
	t.Parallel()

	manager, _, _ := newManager(t)
	cfg := types.DefaultGuildSettings(1)
	require.False(t, cfg.CaptchaEnabled)

	session, err := manager.Issue(1, 10, cfg)
	require.NoError(t, err)
	assert.Nil(t, session)
	assert.False(t, manager.Active(1, 10))
}

func TestPolicyCapturedAtIssue(t *testing.T) {
	t.Parallel()

	manager, outcomes, _ := newManager(t)
	cfg := captchaSettings(1)
	cfg.KickOnFailure = true
	cfg.VerifiedRoleID = 555

	_, err := manager.Issue(1, 10, cfg)
	require.NoError(t, err)

	// Policy edits after issue do not affect the in-flight session.
	cfg.KickOnFailure = false
	cfg.VerifiedRoleID = 0

	manager.Submit(1, 10, "wrong")
	manager.Submit(1, 10, "wrong")
	manager.Submit(1, 10, "wrong")

	require.Len(t, *outcomes, 1)
	assert.True(t, (*outcomes)[0].KickOnFailure)
	assert.Equal(t, snowflake.ID(555), (*outcomes)[0].VerifiedRoleID)
}
