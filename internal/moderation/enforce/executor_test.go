package enforce_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/shardguard/shardguard/internal/database/types"
	"github.com/shardguard/shardguard/internal/database/types/enum"
	"github.com/shardguard/shardguard/internal/moderation/enforce"
	"github.com/shardguard/shardguard/internal/moderation/infraction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-memory ledger store.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	rows   []*types.Infraction
}

func (s *memStore) Insert(_ context.Context, inf *types.Infraction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	inf.ID = s.nextID
	s.rows = append(s.rows, inf)

	return inf.ID, nil
}

func (s *memStore) GetActive(_ context.Context, _, _ snowflake.ID) ([]*types.Infraction, error) {
	return nil, nil
}

func (s *memStore) GetRecent(_ context.Context, _, _ snowflake.ID, _ time.Time) ([]*types.Infraction, error) {
	return nil, nil
}

func (s *memStore) GetByID(_ context.Context, _ int64) (*types.Infraction, error) {
	return nil, errors.New("not found")
}

func (s *memStore) Deactivate(_ context.Context, _ int64) (bool, error) {
	return false, nil
}

func (s *memStore) RecordFailure(_ context.Context, _ int64, _ string) error {
	return nil
}

func (s *memStore) GetExpired(_ context.Context, _ time.Time, _ int) ([]*types.Infraction, error) {
	return nil, nil
}

// fakePlatform records calls and fails each operation as scripted.
type fakePlatform struct {
	mu    sync.Mutex
	calls []string
	fail  map[string][]error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{fail: make(map[string][]error)}
}

// failWith queues errors for an operation; each call consumes one.
func (p *fakePlatform) failWith(op string, errs ...error) {
	p.fail[op] = append(p.fail[op], errs...)
}

func (p *fakePlatform) record(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, op)

	if queued := p.fail[op]; len(queued) > 0 {
		err := queued[0]
		p.fail[op] = queued[1:]

		return err
	}

	return nil
}

func (p *fakePlatform) callCount(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0

	for _, c := range p.calls {
		if c == op {
			n++
		}
	}

	return n
}

func (p *fakePlatform) DeleteMessage(_ context.Context, _, _ snowflake.ID) error {
	return p.record("delete")
}

func (p *fakePlatform) WarnUser(_ context.Context, _, _, _ snowflake.ID, _ string) error {
	return p.record("warn")
}

func (p *fakePlatform) TimeoutUser(_ context.Context, _, _ snowflake.ID, _ time.Time, _ string) error {
	return p.record("timeout")
}

func (p *fakePlatform) RemoveTimeout(_ context.Context, _, _ snowflake.ID, _ string) error {
	return p.record("remove_timeout")
}

func (p *fakePlatform) KickUser(_ context.Context, _, _ snowflake.ID, _ string) error {
	return p.record("kick")
}

func (p *fakePlatform) BanUser(_ context.Context, _, _ snowflake.ID, _ int, _ string) error {
	return p.record("ban")
}

func (p *fakePlatform) UnbanUser(_ context.Context, _, _ snowflake.ID, _ string) error {
	return p.record("unban")
}

func (p *fakePlatform) GrantRole(_ context.Context, _, _, _ snowflake.ID, _ string) error {
	return p.record("grant_role")
}

func newExecutor(t *testing.T) (*enforce.Executor, *fakePlatform, *memStore) {
	t.Helper()

	platform := newFakePlatform()
	store := &memStore{}
	ledger := infraction.NewLedger(store, zap.NewNop())

	executor := enforce.NewExecutor(platform, ledger, 5*time.Second, zap.NewNop())
	executor.SetRetryDelay(time.Millisecond)

	return executor, platform, store
}

func TestApplyMuteRecordsLedger(t *testing.T) {
	t.Parallel()

	executor, platform, store := newExecutor(t)

	err := executor.Apply(context.Background(), enforce.Request{
		GuildID:  1,
		UserID:   10,
		Action:   enum.ActionMute,
		Reason:   "spam",
		Duration: 5 * time.Minute,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, platform.callCount("timeout"))
	require.Len(t, store.rows, 1)
	assert.Equal(t, enum.InfractionMute, store.rows[0].Kind)
	assert.True(t, store.rows[0].Timed())
}

func TestApplyDeletesTriggeringMessageFirst(t *testing.T) {
	t.Parallel()

	executor, platform, _ := newExecutor(t)

	err := executor.Apply(context.Background(), enforce.Request{
		GuildID:   1,
		UserID:    10,
		Action:    enum.ActionWarn,
		ChannelID: 5,
		MessageID: 6,
	})
	require.NoError(t, err)

	require.Len(t, platform.calls, 2)
	assert.Equal(t, "delete", platform.calls[0])
	assert.Equal(t, "warn", platform.calls[1])
}

func TestTransientErrorRetriedOnce(t *testing.T) {
	t.Parallel()

	executor, platform, store := newExecutor(t)
	platform.failWith("kick", fmt.Errorf("%w: service unavailable", enforce.ErrTransient))

	err := executor.Apply(context.Background(), enforce.Request{
		GuildID: 1,
		UserID:  10,
		Action:  enum.ActionKick,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, platform.callCount("kick"))
	assert.Len(t, store.rows, 1)
}

func TestTransientErrorNotRetriedTwice(t *testing.T) {
	t.Parallel()

	executor, platform, store := newExecutor(t)
	platform.failWith("kick",
		fmt.Errorf("%w: service unavailable", enforce.ErrTransient),
		fmt.Errorf("%w: service unavailable", enforce.ErrTransient))

	err := executor.Apply(context.Background(), enforce.Request{
		GuildID: 1,
		UserID:  10,
		Action:  enum.ActionKick,
	})
	require.Error(t, err)

	assert.Equal(t, 2, platform.callCount("kick"))
	assert.Empty(t, store.rows)
}

func TestCallTimeoutClassifiedTransient(t *testing.T) {
	t.Parallel()

	executor, platform, store := newExecutor(t)
	platform.failWith("warn", context.DeadlineExceeded, context.DeadlineExceeded)

	err := executor.Apply(context.Background(), enforce.Request{
		GuildID: 1,
		UserID:  10,
		Action:  enum.ActionWarn,
	})
	require.Error(t, err)

	// A timed-out platform call is retried like any other transient failure
	// and surfaces as one, not as a bare context error.
	assert.True(t, errors.Is(err, enforce.ErrTransient))
	assert.Equal(t, 2, platform.callCount("warn"))
	assert.Empty(t, store.rows)
}

func TestForbiddenIsTerminal(t *testing.T) {
	t.Parallel()

	executor, platform, store := newExecutor(t)
	platform.failWith("ban", fmt.Errorf("%w: missing permissions", enforce.ErrForbidden))

	err := executor.Apply(context.Background(), enforce.Request{
		GuildID: 1,
		UserID:  10,
		Action:  enum.ActionBan,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, enforce.ErrInsufficientPermission))

	// No retry, no ledger entry.
	assert.Equal(t, 1, platform.callCount("ban"))
	assert.Empty(t, store.rows)
}

func TestDeleteFailureDoesNotBlockSanction(t *testing.T) {
	t.Parallel()

	executor, platform, store := newExecutor(t)
	platform.failWith("delete", fmt.Errorf("%w: unknown message", enforce.ErrForbidden))

	err := executor.Apply(context.Background(), enforce.Request{
		GuildID:   1,
		UserID:    10,
		Action:    enum.ActionWarn,
		ChannelID: 5,
		MessageID: 6,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, platform.callCount("warn"))
	assert.Len(t, store.rows, 1)
}

func TestApplyBulk(t *testing.T) {
	t.Parallel()

	executor, platform, store := newExecutor(t)
	platform.failWith("ban", fmt.Errorf("%w: missing permissions", enforce.ErrForbidden))

	users := []snowflake.ID{10, 11, 12}

	failed := executor.ApplyBulk(context.Background(), enforce.Request{
		GuildID: 1,
		Action:  enum.ActionBan,
		Reason:  "raid",
	}, users)

	// One scripted failure, two successes.
	assert.Len(t, failed, 1)
	assert.Equal(t, 3, platform.callCount("ban"))
	assert.Len(t, store.rows, 2)
}

func TestReverse(t *testing.T) {
	t.Parallel()

	executor, platform, _ := newExecutor(t)

	inf := &types.Infraction{GuildID: 1, UserID: 10, Kind: enum.InfractionMute}

	err := executor.Reverse(context.Background(), infraction.Reversal{
		Infraction: inf,
		Kind:       enum.InfractionUnmute,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, platform.callCount("remove_timeout"))

	inf = &types.Infraction{GuildID: 1, UserID: 11, Kind: enum.InfractionBan}

	err = executor.Reverse(context.Background(), infraction.Reversal{
		Infraction: inf,
		Kind:       enum.InfractionUnban,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, platform.callCount("unban"))
}

func TestActionNoneIsNoOp(t *testing.T) {
	t.Parallel()

	executor, platform, store := newExecutor(t)

	err := executor.Apply(context.Background(), enforce.Request{
		GuildID: 1,
		UserID:  10,
		Action:  enum.ActionNone,
	})
	require.NoError(t, err)
	assert.Empty(t, platform.calls)
	assert.Empty(t, store.rows)
}
