package refoldbot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDaily(t *testing.T) {
	loc := referenceLocation()

	t.Run("before target time, same day", func(t *testing.T) {
		now := time.Date(2025, 3, 10, 5, 0, 0, 0, loc)
		next := NextDaily(now, 6, 0, loc)

		expected := time.Date(2025, 3, 10, 6, 0, 0, 0, loc).UTC()
		assert.Equal(t, expected, next)
		assert.Equal(t, time.UTC, next.Location())
	})

	t.Run("exactly at target time rolls to next day", func(t *testing.T) {
		now := time.Date(2025, 3, 10, 6, 0, 0, 0, loc)
		next := NextDaily(now, 6, 0, loc)

		expected := time.Date(2025, 3, 11, 6, 0, 0, 0, loc).UTC()
		assert.Equal(t, expected, next)
	})

	t.Run("after target time rolls to next day", func(t *testing.T) {
		now := time.Date(2025, 3, 10, 18, 30, 0, 0, loc)
		next := NextDaily(now, 6, 0, loc)

		expected := time.Date(2025, 3, 11, 6, 0, 0, 0, loc).UTC()
		assert.Equal(t, expected, next)
	})

	t.Run("result is always strictly in the future", func(t *testing.T) {
		now := time.Date(2025, 11, 2, 0, 30, 0, 0, loc)
		for hour := 0; hour < 24; hour++ {
			next := NextDaily(now, hour, 0, loc)
			assert.True(t, next.After(now.UTC()), "hour %d: %s", hour, next)
		}
	})
}

func TestNextWeekly(t *testing.T) {
	loc := referenceLocation()

	// 2025-03-10 is a Monday
	monday := time.Date(2025, 3, 10, 5, 0, 0, 0, loc)

	t.Run("later this week", func(t *testing.T) {
		next := NextWeekly(monday, 9, 0, WeekdayFriday, loc)

		expected := time.Date(2025, 3, 14, 9, 0, 0, 0, loc).UTC()
		assert.Equal(t, expected, next)
		assert.Equal(t, time.Friday, next.In(loc).Weekday())
	})

	t.Run("same weekday, time not yet passed", func(t *testing.T) {
		next := NextWeekly(monday, 9, 0, WeekdayMonday, loc)

		expected := time.Date(2025, 3, 10, 9, 0, 0, 0, loc).UTC()
		assert.Equal(t, expected, next)
	})

	t.Run("same weekday, time passed, is a full week out", func(t *testing.T) {
		lateMonday := time.Date(2025, 3, 10, 12, 0, 0, 0, loc)
		next := NextWeekly(lateMonday, 9, 0, WeekdayMonday, loc)

		expected := time.Date(2025, 3, 17, 9, 0, 0, 0, loc).UTC()
		assert.Equal(t, expected, next)
	})

	t.Run("sunday uses the 0=Monday convention", func(t *testing.T) {
		next := NextWeekly(monday, 9, 0, WeekdaySunday, loc)
		assert.Equal(t, time.Sunday, next.In(loc).Weekday())

		expected := time.Date(2025, 3, 16, 9, 0, 0, 0, loc).UTC()
		assert.Equal(t, expected, next)
	})
}

func TestActivityWindows(t *testing.T) {
	loc := referenceLocation()
	now := time.Date(2025, 3, 10, 14, 30, 0, 0, loc)

	monthStart, weekStart := activityWindows(now.UTC(), loc)

	require.Equal(t, time.UTC, monthStart.Location())
	require.Equal(t, time.UTC, weekStart.Location())

	// total window is a rolling 30 days
	assert.Equal(t, now.AddDate(0, 0, -30).UTC(), monthStart)

	// recent window is aligned to local midnight 7 calendar days back,
	// not a rolling 168 hours
	expectedWeek := time.Date(2025, 3, 3, 0, 0, 0, 0, loc).UTC()
	assert.Equal(t, expectedWeek, weekStart)
	assert.True(t, weekStart.After(monthStart))
}
