package refoldbot

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextLogger(t *testing.T) {
	ctx := context.Background()

	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	logger := slog.Default().With("component", "test")
	ctx = WithLogger(ctx, logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)
}

func TestAssignmentLogValue(t *testing.T) {
	scheduledAt := time.Date(2025, 3, 14, 16, 0, 0, 0, time.UTC)
	a := Assignment{
		ID:          "spanish_Day_1_20250314_1600",
		CourseName:  "spanish",
		Title:       "Day 1",
		Content:     "welcome",
		ScheduledAt: scheduledAt,
		Status:      AssignmentStatusPending,
	}

	val := a.LogValue()
	require.Equal(t, slog.KindGroup, val.Kind())

	attrs := map[string]slog.Value{}
	for _, attr := range val.Group() {
		attrs[attr.Key] = attr.Value
	}
	assert.Equal(t, "spanish_Day_1_20250314_1600", attrs["homework_id"].String())
	assert.Equal(t, "spanish", attrs["course_name"].String())
	assert.Equal(t, "Day 1", attrs["title"].String())
	assert.Equal(t, "pending", attrs["status"].String())
	assert.True(t, scheduledAt.Equal(attrs["scheduled_datetime"].Time()))

	// the message body never appears in log output
	_, hasContent := attrs["content"]
	assert.False(t, hasContent)
}

func TestCourseLogAttrs(t *testing.T) {
	attrs := courseLogAttrs(
		CourseConfig{
			Name:       "spanish",
			RoleID:     42,
			CategoryID: 77,
		},
	)
	assert.Equal(
		t,
		[]any{
			"course_name", "spanish",
			"role_id", int64(42),
			"category_id", int64(77),
		},
		attrs,
	)
}
