package credentials

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fixedClock returns a clock frozen at the given instant.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// writePool writes a pool file into dir and returns its path.
func writePool(t *testing.T, dir string, entries []PoolEntry) string {
	t.Helper()
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	path := filepath.Join(dir, "pool.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func readUsageFile(t *testing.T, path string) usageFile {
	t.Helper()
	u, err := readUsage(path)
	require.NoError(t, err)
	return u
}

var october = time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC)

func twoKeyPool() []PoolEntry {
	return []PoolEntry{
		{Identity: "a", SecretRef: "secret-a", Limit: 1},
		{Identity: "b", SecretRef: "secret-b", Limit: 1},
	}
}

func TestRotator_AcquireInPoolOrder(t *testing.T) {
	dir := t.TempDir()
	r, err := Load(writePool(t, dir, twoKeyPool()), filepath.Join(dir, "usage.json"),
		WithClock(fixedClock(october)), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	c, err := r.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "a", c.Identity)
	assert.Equal(t, "secret-a", c.Secret)

	// Acquire alone does not consume usage.
	c, err = r.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "a", c.Identity)
}

func TestRotator_TwoSuccessesExhaustPool(t *testing.T) {
	dir := t.TempDir()
	usagePath := filepath.Join(dir, "usage.json")
	r, err := Load(writePool(t, dir, twoKeyPool()), usagePath, WithClock(fixedClock(october)))
	require.NoError(t, err)

	for _, want := range []string{"a", "b"} {
		c, err := r.Acquire()
		require.NoError(t, err)
		assert.Equal(t, want, c.Identity)
		require.NoError(t, r.RecordSuccess(c))
	}

	_, err = r.Acquire()
	assert.ErrorIs(t, err, ErrPoolExhausted)

	u := readUsageFile(t, usagePath)
	assert.Equal(t, "2026-10", u.Period)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, u.Usage)
}

func TestRotator_QuotaErrorMarksExhausted(t *testing.T) {
	dir := t.TempDir()
	usagePath := filepath.Join(dir, "usage.json")
	pool := []PoolEntry{
		{Identity: "a", SecretRef: "secret-a", Limit: 50},
		{Identity: "b", SecretRef: "secret-b", Limit: 50},
	}
	r, err := Load(writePool(t, dir, pool), usagePath, WithClock(fixedClock(october)))
	require.NoError(t, err)

	c, err := r.Acquire()
	require.NoError(t, err)
	require.NoError(t, r.RecordQuotaError(c))

	next, err := r.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "b", next.Identity)

	assert.Equal(t, 50, readUsageFile(t, usagePath).Usage["a"])
	status := r.Status()
	require.Len(t, status, 2)
	assert.False(t, status[0].Available)
	assert.True(t, status[1].Available)
}

func TestRotator_UsageSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	poolPath := writePool(t, dir, twoKeyPool())
	usagePath := filepath.Join(dir, "usage.json")

	r, err := Load(poolPath, usagePath, WithClock(fixedClock(october)))
	require.NoError(t, err)
	c, err := r.Acquire()
	require.NoError(t, err)
	require.NoError(t, r.RecordSuccess(c))

	reloaded, err := Load(poolPath, usagePath, WithClock(fixedClock(october.Add(24*time.Hour))))
	require.NoError(t, err)
	c, err = reloaded.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "b", c.Identity, "usage for a was persisted within the same month")
}

func TestRotator_FreshPeriodResetsCounters(t *testing.T) {
	dir := t.TempDir()
	usagePath := filepath.Join(dir, "usage.json")
	stale := usageFile{Period: "2026-09", Usage: map[string]int{"a": 1, "b": 1}}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(usagePath, data, 0o600))

	r, err := Load(writePool(t, dir, twoKeyPool()), usagePath, WithClock(fixedClock(october)))
	require.NoError(t, err)

	assert.Equal(t, "2026-10", r.Period())
	for _, s := range r.Status() {
		assert.Zero(t, s.Used, s.Identity)
		assert.True(t, s.Available, s.Identity)
	}
}

func TestRotator_RollsOverMidProcess(t *testing.T) {
	dir := t.TempDir()
	now := october
	clock := func() time.Time { return now }
	r, err := Load(writePool(t, dir, twoKeyPool()), filepath.Join(dir, "usage.json"),
		WithClock(clock), WithGranularity(Daily))
	require.NoError(t, err)
	assert.Equal(t, "2026-10-18", r.Period())

	for i := 0; i < 2; i++ {
		c, err := r.Acquire()
		require.NoError(t, err)
		require.NoError(t, r.RecordSuccess(c))
	}
	_, err = r.Acquire()
	require.ErrorIs(t, err, ErrPoolExhausted)

	now = now.Add(24 * time.Hour)
	c, err := r.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "a", c.Identity)
	assert.Equal(t, "2026-10-19", r.Period())
}

func TestRotator_ConcurrentAccountingIsNotLost(t *testing.T) {
	dir := t.TempDir()
	usagePath := filepath.Join(dir, "usage.json")
	pool := []PoolEntry{{Identity: "a", SecretRef: "k", Limit: 1000}}
	r, err := Load(writePool(t, dir, pool), usagePath, WithClock(fixedClock(october)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := r.Acquire()
			if assert.NoError(t, err) {
				assert.NoError(t, r.RecordSuccess(c))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, readUsageFile(t, usagePath).Usage["a"])
}

func TestResolveSecret(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key.txt")
	require.NoError(t, os.WriteFile(keyFile, []byte("  from-file\n"), 0o600))
	t.Setenv("MISSIONLOOP_TEST_KEY", "from-env")

	tests := []struct {
		name    string
		entry   PoolEntry
		want    string
		wantErr string
	}{
		{name: "file path", entry: PoolEntry{Path: keyFile}, want: "from-file"},
		{name: "env reference", entry: PoolEntry{SecretRef: "env:MISSIONLOOP_TEST_KEY"}, want: "from-env"},
		{name: "literal", entry: PoolEntry{SecretRef: "sk-literal"}, want: "sk-literal"},
		{name: "unset env", entry: PoolEntry{SecretRef: "env:MISSIONLOOP_TEST_UNSET"}, wantErr: "is not set"},
		{name: "missing file", entry: PoolEntry{Path: filepath.Join(dir, "nope")}, wantErr: "failed to read secret file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveSecret(tt.entry)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoad_InvalidPools(t *testing.T) {
	tests := []struct {
		name    string
		pool    []PoolEntry
		wantErr string
	}{
		{name: "empty", pool: []PoolEntry{}, wantErr: "is empty"},
		{name: "missing identity", pool: []PoolEntry{{SecretRef: "x", Limit: 1}}, wantErr: "has no identity"},
		{name: "duplicate", pool: []PoolEntry{{Identity: "a", SecretRef: "x", Limit: 1}, {Identity: "a", SecretRef: "y", Limit: 1}}, wantErr: "duplicate identity"},
		{name: "zero limit", pool: []PoolEntry{{Identity: "a", SecretRef: "x"}}, wantErr: "positive limit"},
		{name: "no secret", pool: []PoolEntry{{Identity: "a", Limit: 1}}, wantErr: "path or secret_ref"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := Load(writePool(t, dir, tt.pool), filepath.Join(dir, "usage.json"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRecord_UnknownCredential(t *testing.T) {
	dir := t.TempDir()
	r, err := Load(writePool(t, dir, twoKeyPool()), filepath.Join(dir, "usage.json"))
	require.NoError(t, err)

	assert.Error(t, r.RecordSuccess(&Credential{Identity: "ghost"}))
	assert.Error(t, r.RecordQuotaError(nil))
}

func TestPeriodKey(t *testing.T) {
	local := time.Date(2026, time.November, 1, 1, 0, 0, 0, time.FixedZone("east", 5*3600))
	assert.Equal(t, "2026-10", PeriodKey(Monthly, local), "period keys are computed in UTC")
	assert.Equal(t, "2026-10-31", PeriodKey(Daily, local))
}
