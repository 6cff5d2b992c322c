package refoldbot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHistory is an in-memory ChannelHistory for tests.
type stubHistory struct {
	channels     []ChannelRef
	threads      map[int64][]ChannelRef
	messages     map[int64][]HistoryMessage
	failChannels map[int64]error
	joined       map[int64]time.Time
	channelsErr  error
}

func (s *stubHistory) CategoryChannels(
	_ context.Context,
	_ int64,
) ([]ChannelRef, error) {
	return s.channels, s.channelsErr
}

func (s *stubHistory) ChannelThreads(
	_ context.Context,
	channelID int64,
	_ int,
) ([]ChannelRef, error) {
	return s.threads[channelID], nil
}

func (s *stubHistory) Messages(
	_ context.Context,
	channelID int64,
	after time.Time,
	limit int,
) ([]HistoryMessage, error) {
	if err := s.failChannels[channelID]; err != nil {
		return nil, err
	}
	var result []HistoryMessage
	for _, msg := range s.messages[channelID] {
		if msg.CreatedAt.Before(after) {
			continue
		}
		result = append(result, msg)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *stubHistory) MemberJoinedAt(
	_ context.Context,
	userID int64,
) (time.Time, bool) {
	joined, ok := s.joined[userID]
	return joined, ok
}

func TestActivityTier(t *testing.T) {
	assert.Equal(t, TierAtRisk, activityTier(0))
	assert.Equal(t, TierLowActivity, activityTier(1))
	assert.Equal(t, TierLowActivity, activityTier(2))
	assert.Equal(t, TierActive, activityTier(3))
	assert.Equal(t, TierActive, activityTier(100))
}

func newHealthCheckFixture(t *testing.T) (*CourseRegistry, *stubHistory) {
	t.Helper()
	ctx := context.Background()

	registry, _ := newTestRegistry(t)
	require.NoError(t, registry.AddCourse(ctx, "Spanish", 1, 2, nil, ""))
	_, err := registry.LoadRoster(
		ctx,
		rosterCSVHeader+
			"a@example.com,Alice,alice#1234,Spanish\n"+
			"b@example.com,Bob,bobby,Spanish\n"+
			"c@example.com,Carol,carol,Spanish\n",
	)
	require.NoError(t, err)
	require.True(t, registry.MarkStudentEnrolled(ctx, "alice", 42))

	return registry, &stubHistory{
		threads:      map[int64][]ChannelRef{},
		messages:     map[int64][]HistoryMessage{},
		failChannels: map[int64]error{},
		joined:       map[int64]time.Time{},
	}
}

func TestHealthCheckRun(t *testing.T) {
	ctx := context.Background()
	registry, history := newHealthCheckFixture(t)

	now := time.Now().UTC()
	recent := now.Add(-time.Hour)
	older := now.Add(-20 * 24 * time.Hour)

	history.channels = []ChannelRef{{ID: 10, Name: "general"}}
	history.threads[10] = []ChannelRef{{ID: 11, Name: "daily-thread"}}
	history.messages[10] = []HistoryMessage{
		// attributed by platform id, display name not on the roster
		{AuthorID: 42, AuthorDisplay: "renamed", AuthorName: "renamed", CreatedAt: recent},
		{AuthorID: 42, AuthorDisplay: "renamed", AuthorName: "renamed", CreatedAt: recent},
		{AuthorID: 42, AuthorDisplay: "renamed", AuthorName: "renamed", CreatedAt: older},
		// attributed by bare username
		{AuthorID: 999, AuthorDisplay: "Bobby", AuthorName: "Bobby", CreatedAt: recent},
		// bots never count
		{AuthorID: 1000, AuthorDisplay: "helper-bot", Bot: true, CreatedAt: recent},
		// unknown authors are ignored
		{AuthorID: 1001, AuthorDisplay: "stranger", AuthorName: "stranger", CreatedAt: recent},
	}
	history.messages[11] = []HistoryMessage{
		{AuthorID: 42, AuthorDisplay: "renamed", AuthorName: "renamed", CreatedAt: recent},
	}
	joinDate := now.Add(-60 * 24 * time.Hour)
	history.joined[42] = joinDate

	check := NewHealthCheck(registry, history, nil)
	var updates []string
	result, err := check.Run(
		ctx, "spanish", func(update string) {
			updates = append(updates, update)
		},
	)
	require.NoError(t, err)

	assert.Equal(t, "Spanish", result.CourseName)
	assert.Equal(t, 1, result.ChannelsScanned)
	assert.Equal(t, 7, result.MessagesScanned)
	assert.Empty(t, result.Warnings)
	assert.NotEmpty(t, updates)

	require.Len(t, result.Activities, 3)
	byName := map[string]StudentActivity{}
	for _, a := range result.Activities {
		byName[a.Student.Name] = a
	}

	alice := byName["Alice"]
	assert.Equal(t, 4, alice.TotalMessages)
	assert.Equal(t, 3, alice.MessagesLastWeek)
	assert.Equal(t, TierActive, alice.Tier())
	require.NotNil(t, alice.LastMessageAt)
	require.NotNil(t, alice.MemberSince)
	assert.Equal(t, joinDate, *alice.MemberSince)

	bob := byName["Bob"]
	assert.Equal(t, 1, bob.TotalMessages)
	assert.Equal(t, TierLowActivity, bob.Tier())

	// zero-activity students still appear
	carol := byName["Carol"]
	assert.Equal(t, 0, carol.TotalMessages)
	assert.Equal(t, TierAtRisk, carol.Tier())
	assert.Nil(t, carol.LastMessageAt)

	// most at-risk first
	assert.Equal(t, "Carol", result.Activities[0].Student.Name)
	assert.Equal(t, "Bob", result.Activities[1].Student.Name)
	assert.Equal(t, "Alice", result.Activities[2].Student.Name)
}

func TestHealthCheckUnreadableChannel(t *testing.T) {
	ctx := context.Background()
	registry, history := newHealthCheckFixture(t)

	now := time.Now().UTC()
	history.channels = []ChannelRef{
		{ID: 10, Name: "locked"},
		{ID: 20, Name: "general"},
	}
	history.failChannels[10] = wrapError(
		ErrorKindAccess,
		"missing permissions",
		errors.New("403"),
	)
	history.messages[20] = []HistoryMessage{
		{AuthorID: 999, AuthorName: "bobby", AuthorDisplay: "bobby", CreatedAt: now.Add(-time.Hour)},
	}

	check := NewHealthCheck(registry, history, nil)
	result, err := check.Run(ctx, "Spanish", nil)
	require.NoError(t, err)

	// the locked channel is a warning, not a failure
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "locked")
	assert.Equal(t, 1, result.ChannelsScanned)
	assert.Equal(t, 1, result.MessagesScanned)
}

func TestHealthCheckErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown course", func(t *testing.T) {
		registry, history := newHealthCheckFixture(t)
		check := NewHealthCheck(registry, history, nil)

		_, err := check.Run(ctx, "French", nil)
		assert.ErrorIs(t, err, ErrCourseNotFound)
	})

	t.Run("empty roster", func(t *testing.T) {
		registry, _ := newTestRegistry(t)
		require.NoError(t, registry.AddCourse(ctx, "Spanish", 1, 2, nil, ""))

		check := NewHealthCheck(registry, &stubHistory{}, nil)
		_, err := check.Run(ctx, "Spanish", nil)
		require.Error(t, err)
		assert.True(t, IsKind(err, ErrorKindValidation))
		assert.Contains(t, err.Error(), "no students")
	})

	t.Run("no channels in category", func(t *testing.T) {
		registry, history := newHealthCheckFixture(t)
		history.channels = nil

		check := NewHealthCheck(registry, history, nil)
		_, err := check.Run(ctx, "Spanish", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no channels")
	})

	t.Run("category listing failure aborts", func(t *testing.T) {
		registry, history := newHealthCheckFixture(t)
		history.channelsErr = wrapError(
			ErrorKindTransport,
			"gateway down",
			errors.New("boom"),
		)

		check := NewHealthCheck(registry, history, nil)
		_, err := check.Run(ctx, "Spanish", nil)
		require.Error(t, err)
		assert.True(t, IsKind(err, ErrorKindTransport))
	})
}
