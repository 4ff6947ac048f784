package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emberauth/ember/internal/token/cache"
	"github.com/emberauth/ember/internal/token/store/drivers/sqlite"
	"github.com/emberauth/ember/pkg/cryptox"
	"github.com/emberauth/ember/pkg/jwtx"
)

// testClock is a manually advanced clock shared by every service under test.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testEnv struct {
	store    *sqlite.Store
	cache    *cache.Memory
	keys     *jwtx.KeySet
	clock    *testClock
	rotation *KeyRotationService
	events   *SecurityEventService
	tokens   *TokenService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	t.Setenv("EMBER_MASTER_KEY", "service-test-master-key")
	cryptox.ResetMasterKeyForTesting()

	st, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations())

	clock := &testClock{now: time.Now().UTC()}

	mem := cache.NewMemory()
	mem.SetClock(clock.Now)

	keys := jwtx.NewKeySet()

	rotation := &KeyRotationService{
		Store: st,
		Cache: mem,
		Keys:  keys,
		Now:   clock.Now,
	}
	events := &SecurityEventService{
		Store: st,
		Now:   clock.Now,
	}
	tokens := &TokenService{
		Store:    st,
		Cache:    mem,
		Rotation: rotation,
		Events:   events,
		Keys:     keys,
		Issuer:   "https://auth.test",
		Now:      clock.Now,
	}

	return &testEnv{
		store:    st,
		cache:    mem,
		keys:     keys,
		clock:    clock,
		rotation: rotation,
		events:   events,
		tokens:   tokens,
	}
}
