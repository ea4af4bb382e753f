package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileAbsoluteRule(t *testing.T) {
	rule := Rule{
		ID:              "r1",
		Mode:            ModeAbsolute,
		Directory:       "/in",
		FilenamePattern: `\.csv$`,
	}
	compiled, err := rule.compile()
	require.NoError(t, err)
	assert.True(t, compiled.filenameRe.MatchString("report.csv"))
	assert.False(t, compiled.filenameRe.MatchString("report.txt"))
}

func TestCompileRejectsBadPatterns(t *testing.T) {
	_, err := Rule{ID: "r1", Mode: ModeAbsolute, Directory: "/in", FilenamePattern: "["}.compile()
	require.Error(t, err)

	_, err = Rule{ID: "r2", Mode: ModePattern, Directory: "[", FilenamePattern: ".*"}.compile()
	require.Error(t, err)

	_, err = Rule{ID: "r3", Mode: "relative", Directory: "/in", FilenamePattern: ".*"}.compile()
	require.Error(t, err)

	_, err = Rule{ID: "r4", Mode: ModeAbsolute, Directory: "/in"}.compile()
	require.Error(t, err)
}

func TestRuleDebounceDefault(t *testing.T) {
	compiled, err := Rule{ID: "r1", Mode: ModeAbsolute, Directory: "/in", FilenamePattern: ".*"}.compile()
	require.NoError(t, err)
	assert.Equal(t, DefaultDebounce, compiled.debounce())

	compiled.DebounceSecs = 5
	assert.Equal(t, 5*time.Second, compiled.debounce())
}

func TestAdmitsTimeWindow(t *testing.T) {
	compiled, err := Rule{
		ID: "r1", Mode: ModeAbsolute, Directory: "/in", FilenamePattern: ".*",
		StartHour: 9, EndHour: 17,
	}.compile()
	require.NoError(t, err)

	inside := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	ok, _ := compiled.admitsTime(inside)
	assert.True(t, ok)

	before := time.Date(2026, 8, 24, 7, 30, 0, 0, time.UTC)
	ok, next := compiled.admitsTime(before)
	assert.False(t, ok)
	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, before.Day(), next.Day())

	after := time.Date(2026, 8, 24, 20, 0, 0, 0, time.UTC)
	ok, next = compiled.admitsTime(after)
	assert.False(t, ok)
	assert.Equal(t, after.Day()+1, next.Day())
}

func TestAdmitsDayOfWeekBitmask(t *testing.T) {
	// Bit 1 = Monday only.
	compiled, err := Rule{
		ID: "r1", Mode: ModeAbsolute, Directory: "/in", FilenamePattern: ".*",
		DaysOfWeek: 1 << time.Monday,
	}.compile()
	require.NoError(t, err)

	monday := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	require.Equal(t, time.Monday, monday.Weekday())
	ok, _ := compiled.admitsTime(monday)
	assert.True(t, ok)

	tuesday := monday.Add(24 * time.Hour)
	ok, _ = compiled.admitsTime(tuesday)
	assert.False(t, ok)
}

func TestAdmitsTimeUnrestricted(t *testing.T) {
	compiled, err := Rule{ID: "r1", Mode: ModeAbsolute, Directory: "/in", FilenamePattern: ".*"}.compile()
	require.NoError(t, err)
	ok, _ := compiled.admitsTime(time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC))
	assert.True(t, ok)
}
