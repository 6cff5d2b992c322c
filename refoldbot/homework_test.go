package refoldbot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryDocStore is an in-memory DocumentStore for tests.
type memoryDocStore struct {
	mu      sync.Mutex
	docs    map[string][]byte
	saveErr error
}

func newMemoryDocStore() *memoryDocStore {
	return &memoryDocStore{docs: map[string][]byte{}}
}

func (m *memoryDocStore) Load(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[name]
	if !ok {
		return nil, nil
	}
	return data, nil
}

func (m *memoryDocStore) Save(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.docs[name] = data
	return nil
}

func newTestAssignmentStore(t *testing.T) (*AssignmentStore, *memoryDocStore) {
	t.Helper()
	docs := newMemoryDocStore()
	store := NewAssignmentStore(docs, nil)
	require.NoError(t, store.Load(context.Background()))
	return store, docs
}

const homeworkCSVHeader = "title,text,post_date,post_time,course_day\n"

func TestAssignmentID(t *testing.T) {
	scheduledAt := time.Date(2025, 3, 14, 16, 0, 0, 0, time.UTC)

	id := assignmentID("Spanish", "Day 1: Getting Started!", scheduledAt)
	assert.Equal(t, "spanish_Day_1_Getting_Starte_20250314_1600", id)

	// deterministic: same inputs, same id
	assert.Equal(t, id, assignmentID("Spanish", "Day 1: Getting Started!", scheduledAt))
}

func TestAddBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("bad row warns without aborting the batch", func(t *testing.T) {
		store, _ := newTestAssignmentStore(t)

		csvContent := homeworkCSVHeader +
			"Day 1,Welcome!,2025-06-02,09:00,1\n" +
			"Day 2,More content,not-a-date,09:00,2\n"

		result, err := store.AddBatch(ctx, "Spanish", csvContent, 100)
		require.NoError(t, err)

		assert.Len(t, result.Created, 1)
		require.Len(t, result.Warnings, 1)
		assert.Contains(t, result.Warnings[0], "row 3")
		assert.Equal(t, "Day 1", result.Created[0].Title)
		assert.Equal(t, AssignmentStatusPending, result.Created[0].Status)
		assert.Equal(t, int64(100), result.Created[0].ForumChannelID)
	})

	t.Run("times are interpreted in the reference timezone", func(t *testing.T) {
		store, _ := newTestAssignmentStore(t)

		// 2025-01-15 is PST (UTC-8)
		csvContent := homeworkCSVHeader + "Day 1,Welcome!,2025-01-15,09:00,1\n"
		result, err := store.AddBatch(ctx, "Spanish", csvContent, 100)
		require.NoError(t, err)
		require.Len(t, result.Created, 1)

		expected := time.Date(2025, 1, 15, 17, 0, 0, 0, time.UTC)
		assert.Equal(t, expected, result.Created[0].ScheduledAt)
	})

	t.Run("duplicate upload creates nothing", func(t *testing.T) {
		store, _ := newTestAssignmentStore(t)

		csvContent := homeworkCSVHeader + "Day 1,Welcome!,2025-06-02,09:00,1\n"
		_, err := store.AddBatch(ctx, "Spanish", csvContent, 100)
		require.NoError(t, err)

		result, err := store.AddBatch(ctx, "Spanish", csvContent, 100)
		require.Error(t, err)
		assert.True(t, IsKind(err, ErrorKindValidation))
		assert.Empty(t, result.Created)
		require.Len(t, result.Warnings, 1)
		assert.Contains(t, result.Warnings[0], "already exists")
		assert.Equal(t, 1, store.Len())
	})

	t.Run("missing columns fail the whole upload", func(t *testing.T) {
		store, _ := newTestAssignmentStore(t)

		_, err := store.AddBatch(ctx, "Spanish", "title,text\nDay 1,Welcome!\n", 100)
		require.Error(t, err)
		assert.True(t, IsKind(err, ErrorKindValidation))
		assert.Contains(t, err.Error(), "course_day")
	})

	t.Run("literal newline escapes are unescaped", func(t *testing.T) {
		store, _ := newTestAssignmentStore(t)

		csvContent := homeworkCSVHeader +
			`Day 1,Line one\nLine two,2025-06-02,09:00,1` + "\n"
		result, err := store.AddBatch(ctx, "Spanish", csvContent, 100)
		require.NoError(t, err)
		require.Len(t, result.Created, 1)
		assert.Equal(t, "Line one\nLine two", result.Created[0].Content)
	})

	t.Run("strict date and time formats", func(t *testing.T) {
		store, _ := newTestAssignmentStore(t)

		badRows := []string{
			"Day 1,Text,2025-6-2,09:00,1",
			"Day 1,Text,06/02/2025,09:00,1",
			"Day 1,Text,2025-06-02,9:00,1",
			"Day 1,Text,2025-06-02,09:00:00,1",
			"Day 1,Text,2025-13-40,09:00,1",
		}
		for _, row := range badRows {
			result, err := store.AddBatch(ctx, "Spanish", homeworkCSVHeader+row+"\n", 100)
			require.Error(t, err, "row: %s", row)
			assert.Len(t, result.Warnings, 1, "row: %s", row)
		}
	})
}

func TestAddBatchPersistence(t *testing.T) {
	ctx := context.Background()
	store, docs := newTestAssignmentStore(t)

	csvContent := homeworkCSVHeader + "Day 1,Welcome!,2025-06-02,09:00,1\n"
	result, err := store.AddBatch(ctx, "Spanish", csvContent, 100)
	require.NoError(t, err)

	// a fresh store loading the same document sees the assignment
	reloaded := NewAssignmentStore(docs, nil)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 1, reloaded.Len())

	a, ok := reloaded.Get(result.Created[0].ID)
	require.True(t, ok)
	assert.Equal(t, result.Created[0].ScheduledAt, a.ScheduledAt)
	assert.Equal(t, AssignmentStatusPending, a.Status)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestAssignmentStore(t)

	csvContent := homeworkCSVHeader + "Day 1,Welcome!,2025-06-02,09:00,1\n"
	result, err := store.AddBatch(ctx, "Spanish", csvContent, 100)
	require.NoError(t, err)
	id := result.Created[0].ID

	t.Run("unknown id", func(t *testing.T) {
		err = store.Cancel(ctx, "nope")
		assert.ErrorIs(t, err, ErrAssignmentNotFound)
	})

	t.Run("posted assignments can't be cancelled", func(t *testing.T) {
		require.True(t, store.MarkPosted(ctx, id, 555))
		err = store.Cancel(ctx, id)
		assert.ErrorIs(t, err, ErrAssignmentNotPending)
	})

	t.Run("pending assignments are removed", func(t *testing.T) {
		more, addErr := store.AddBatch(
			ctx,
			"Spanish",
			homeworkCSVHeader+"Day 2,Text,2025-06-03,09:00,2\n",
			100,
		)
		require.NoError(t, addErr)

		require.NoError(t, store.Cancel(ctx, more.Created[0].ID))
		_, ok := store.Get(more.Created[0].ID)
		assert.False(t, ok)
	})
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestAssignmentStore(t)

	result, err := store.AddBatch(
		ctx,
		"Spanish",
		homeworkCSVHeader+"Day 1,Welcome!,2025-06-02,09:00,1\n",
		100,
	)
	require.NoError(t, err)
	id := result.Created[0].ID

	require.True(t, store.MarkFailed(ctx, id, "boom"))
	a, _ := store.Get(id)
	assert.Equal(t, AssignmentStatusFailed, a.Status)
	assert.Equal(t, "boom", a.ErrorMessage)

	// failed is terminal for the scheduler
	assert.False(t, store.MarkFailed(ctx, id, "again"))

	// but a manual re-post may still succeed
	require.True(t, store.MarkPosted(ctx, id, 777))
	a, _ = store.Get(id)
	assert.Equal(t, AssignmentStatusPosted, a.Status)
	assert.Empty(t, a.ErrorMessage)
	assert.Equal(t, int64(777), a.ThreadID)
	require.NotNil(t, a.PostedAt)

	// posted is terminal, full stop
	assert.False(t, store.MarkPosted(ctx, id, 888))
	assert.False(t, store.MarkFailed(ctx, id, "nope"))
}

func TestDueAndOverdue(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestAssignmentStore(t)

	csvContent := homeworkCSVHeader +
		"Day 3,Text,2025-06-04,09:00,3\n" +
		"Day 1,Text,2025-06-02,09:00,1\n" +
		"Day 2,Text,2025-06-03,09:00,2\n"
	result, err := store.AddBatch(ctx, "Spanish", csvContent, 100)
	require.NoError(t, err)
	require.Len(t, result.Created, 3)

	afterAll := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	betweenDays := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)

	t.Run("due is sorted ascending by scheduled time", func(t *testing.T) {
		due := store.Due(afterAll)
		require.Len(t, due, 3)
		assert.Equal(t, "Day 1", due[0].Title)
		assert.Equal(t, "Day 2", due[1].Title)
		assert.Equal(t, "Day 3", due[2].Title)
	})

	t.Run("due excludes future assignments", func(t *testing.T) {
		due := store.Due(betweenDays)
		require.Len(t, due, 1)
		assert.Equal(t, "Day 1", due[0].Title)
	})

	t.Run("posted leaves due, failed leaves due but stays overdue", func(t *testing.T) {
		byTitle := map[string]string{}
		for _, a := range result.Created {
			byTitle[a.Title] = a.ID
		}
		require.True(t, store.MarkPosted(ctx, byTitle["Day 1"], 1))
		require.True(t, store.MarkFailed(ctx, byTitle["Day 2"], "boom"))

		due := store.Due(afterAll)
		require.Len(t, due, 1)
		assert.Equal(t, "Day 3", due[0].Title)

		overdue := store.Overdue(afterAll)
		require.Len(t, overdue, 2)
		assert.Equal(t, "Day 2", overdue[0].Title)
		assert.Equal(t, "Day 3", overdue[1].Title)
	})
}

func TestUpcoming(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestAssignmentStore(t)

	csvContent := homeworkCSVHeader +
		"Soon,Text,2025-06-02,09:00,1\n" +
		"Later,Text,2025-06-20,09:00,2\n"
	_, err := store.AddBatch(ctx, "Spanish", csvContent, 100)
	require.NoError(t, err)

	now := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	upcoming := store.Upcoming(now, 48*time.Hour)
	require.Len(t, upcoming, 1)
	assert.Equal(t, "Soon", upcoming[0].Title)
}

func TestFindByTitle(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestAssignmentStore(t)

	csvContent := homeworkCSVHeader + "Day 1,Welcome!,2025-06-02,09:00,1\n"
	result, err := store.AddBatch(ctx, "Spanish", csvContent, 100)
	require.NoError(t, err)

	a, ok := store.FindByTitle("  day 1 ")
	require.True(t, ok)
	assert.Equal(t, result.Created[0].ID, a.ID)

	_, ok = store.FindByTitle("Day 99")
	assert.False(t, ok)
}

func TestSaveFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	docs := newMemoryDocStore()
	store := NewAssignmentStore(docs, nil)
	require.NoError(t, store.Load(ctx))

	docs.saveErr = errors.New("disk full")
	_, err := store.AddBatch(
		ctx,
		"Spanish",
		homeworkCSVHeader+"Day 1,Welcome!,2025-06-02,09:00,1\n",
		100,
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestParseScheduleTime(t *testing.T) {
	loc := referenceLocation()

	for _, tc := range []struct {
		date    string
		clock   string
		wantErr bool
	}{
		{"2025-06-02", "09:00", false},
		{"2025-06-02", "23:59", false},
		{"2025-6-2", "09:00", true},
		{"2025-06-02", "9:00", true},
		{"2025-06-02", "25:00", true},
		{"2025-02-30", "09:00", true},
	} {
		t.Run(fmt.Sprintf("%s %s", tc.date, tc.clock), func(t *testing.T) {
			got, err := parseScheduleTime(tc.date, tc.clock, loc)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}
