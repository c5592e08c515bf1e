package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextOccurrence_FutureBirthdayNewYork(t *testing.T) {
	now := time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC)

	localDate, utcInstant, err := NextOccurrence(time.January, 15, "America/New_York", now, 9)
	require.NoError(t, err)

	assert.Equal(t, 2024, localDate.Year())
	assert.Equal(t, time.January, localDate.Month())
	assert.Equal(t, 15, localDate.Day())
	assert.Equal(t, time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC), utcInstant.UTC())
}

func TestNextOccurrence_DSTSpringForward(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	_, utcInstant, err := NextOccurrence(time.March, 10, "America/New_York", now, 9)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC), utcInstant.UTC())
}

func TestNextOccurrence_LeapDayInNonLeapYear(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	localDate, utcInstant, err := NextOccurrence(time.February, 29, "UTC", now, 9)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC), localDate)
	assert.Equal(t, time.Date(2025, 2, 28, 9, 0, 0, 0, time.UTC), utcInstant.UTC())
}

func TestNextOccurrence_LeapDayInLeapYear(t *testing.T) {
	now := time.Date(2028, 1, 1, 0, 0, 0, 0, time.UTC)

	localDate, _, err := NextOccurrence(time.February, 29, "UTC", now, 9)
	require.NoError(t, err)

	assert.Equal(t, 29, localDate.Day())
}

func TestNextOccurrence_BirthdayAlreadyPassedThisYear(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	localDate, _, err := NextOccurrence(time.January, 15, "UTC", now, 9)
	require.NoError(t, err)

	assert.Equal(t, 2025, localDate.Year())
}

func TestNextOccurrence_BirthdayIsToday(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	localDate, _, err := NextOccurrence(time.June, 1, "UTC", now, 9)
	require.NoError(t, err)

	assert.Equal(t, now, localDate)
}

func TestNextOccurrence_InvalidTimezone(t *testing.T) {
	_, _, err := NextOccurrence(time.June, 1, "Not/A_Zone", time.Now(), 9)
	assert.Error(t, err)
}

func TestIsSameLocalDate(t *testing.T) {
	instant := time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)
	target := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	same, err := IsSameLocalDate(instant, "America/New_York", target) // 16:00 EDT, still June 1
	require.NoError(t, err)
	assert.True(t, same)

	notSame, err := IsSameLocalDate(instant, "Asia/Tokyo", target) // 05:00 JST next day, June 2
	require.NoError(t, err)
	assert.False(t, notSame)
}
