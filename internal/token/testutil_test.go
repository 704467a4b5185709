package token

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mieluoxxx/Flow2API/internal/db"
	"github.com/Mieluoxxx/Flow2API/internal/flow"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(database))
	return database
}

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeExecutor 模拟上游接口，记录调用次数
type fakeExecutor struct {
	clock *fakeClock

	mu       sync.Mutex
	sessions map[string]flow.User // ST -> 账号
	atSeq    int

	exchangeErr   error
	exchangeDelay time.Duration
	creditsErr    error
	credits       int
	projectErr    error

	exchangeCalls atomic.Int32
	creditsCalls  atomic.Int32
	projectCalls  atomic.Int32
	inFlight      atomic.Int32
	maxInFlight   atomic.Int32
}

func newFakeExecutor(clock *fakeClock) *fakeExecutor {
	return &fakeExecutor{
		clock:    clock,
		sessions: map[string]flow.User{},
		credits:  100,
	}
}

func (f *fakeExecutor) totalCalls() int32 {
	return f.exchangeCalls.Load() + f.creditsCalls.Load() + f.projectCalls.Load()
}

func (f *fakeExecutor) ExchangeSession(_ context.Context, st string) (*flow.SessionInfo, error) {
	f.exchangeCalls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(f.exchangeDelay)

	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.sessions[st]
	if !ok {
		return nil, &flow.APIError{StatusCode: 401, StatusText: "HTTP_401", Message: "unauthorized"}
	}
	f.atSeq++
	expires := f.clock.Now().Add(24 * time.Hour)
	return &flow.SessionInfo{
		User:        user,
		AccessToken: "AT" + strconv.Itoa(f.atSeq),
		Expires:     &expires,
	}, nil
}

func (f *fakeExecutor) GetCredits(context.Context, string) (*flow.Credits, error) {
	f.creditsCalls.Add(1)
	if f.creditsErr != nil {
		return nil, f.creditsErr
	}
	return &flow.Credits{Credits: f.credits, PaygateTier: "PAYGATE_TIER_ONE"}, nil
}

func (f *fakeExecutor) CreateProject(_ context.Context, _ string, title string) (string, error) {
	n := f.projectCalls.Add(1)
	if f.projectErr != nil {
		return "", f.projectErr
	}
	return "proj-" + strconv.Itoa(int(n)), nil
}

var errUpstream = errors.New("upstream unavailable")

type testEnv struct {
	db      *gorm.DB
	repo    *Repository
	manager *Manager
	exec    *fakeExecutor
	clock   *fakeClock
}

func setupManager(t *testing.T) *testEnv {
	t.Helper()
	database := setupTestDB(t)
	clock := newFakeClock()
	repo := NewRepository(database, nil)
	repo.now = clock.Now
	exec := newFakeExecutor(clock)
	manager := NewManager(repo, exec, nil, nil)
	manager.now = clock.Now
	return &testEnv{db: database, repo: repo, manager: manager, exec: exec, clock: clock}
}
