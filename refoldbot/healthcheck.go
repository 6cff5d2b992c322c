package refoldbot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// ActivityTier buckets a student's engagement, derived solely from the
// 7-calendar-day message count.
type ActivityTier string

const (
	TierAtRisk      ActivityTier = "At Risk"
	TierLowActivity ActivityTier = "Low Activity"
	TierActive      ActivityTier = "Active"
)

// rank orders tiers most-at-risk first.
func (t ActivityTier) rank() int {
	switch t {
	case TierAtRisk:
		return 0
	case TierLowActivity:
		return 1
	default:
		return 2
	}
}

// activityTier is the single tier derivation used everywhere a tier is
// reported: zero recent messages is At Risk, fewer than three is Low
// Activity, anything else is Active.
func activityTier(messagesLastWeek int) ActivityTier {
	switch {
	case messagesLastWeek == 0:
		return TierAtRisk
	case messagesLastWeek < 3:
		return TierLowActivity
	default:
		return TierActive
	}
}

// StudentActivity aggregates one student's message activity over the
// scan windows. Derived per health check, never persisted.
type StudentActivity struct {
	Student          StudentRecord `json:"student"`
	TotalMessages    int           `json:"total_messages"`
	MessagesLastWeek int           `json:"messages_last_week"`
	LastMessageAt    *time.Time    `json:"last_message_at,omitempty"`
	MemberSince      *time.Time    `json:"member_since,omitempty"`
}

// Tier returns the student's activity tier.
func (a StudentActivity) Tier() ActivityTier {
	return activityTier(a.MessagesLastWeek)
}

// ChannelRef identifies one scannable channel or thread.
type ChannelRef struct {
	ID       int64
	Name     string
	Position int
}

// HistoryMessage is one message observed while scanning history.
// AuthorDisplay is the full author string (username#discriminator for
// legacy accounts), AuthorName the bare username.
type HistoryMessage struct {
	AuthorID      int64
	AuthorName    string
	AuthorDisplay string
	Bot           bool
	CreatedAt     time.Time
}

// ChannelHistory is the chat-platform capability the scanner consumes:
// category membership resolution and bounded history streaming for
// channels and their threads.
type ChannelHistory interface {
	// CategoryChannels returns the channels belonging to a category,
	// in display order.
	CategoryChannels(ctx context.Context, categoryID int64) ([]ChannelRef, error)

	// ChannelThreads returns active and archived threads of a channel,
	// with archived listing capped at limit.
	ChannelThreads(ctx context.Context, channelID int64, limit int) ([]ChannelRef, error)

	// Messages returns up to limit messages posted to a channel or
	// thread after the given boundary.
	Messages(ctx context.Context, channelID int64, after time.Time, limit int) ([]HistoryMessage, error)

	// MemberJoinedAt returns when a guild member joined, if known.
	MemberJoinedAt(ctx context.Context, userID int64) (time.Time, bool)
}

// HealthCheckResult is the outcome of one course health check.
type HealthCheckResult struct {
	CourseName      string            `json:"course_name"`
	Activities      []StudentActivity `json:"activities"`
	Warnings        []string          `json:"warnings,omitempty"`
	ChannelsScanned int               `json:"channels_scanned"`
	MessagesScanned int               `json:"messages_scanned"`
}

var (
	healthCheckChannelMessageLimit = 1000
	healthCheckThreadMessageLimit  = 500
	healthCheckArchivedThreadLimit = 50
	healthCheckChannelPaceEvery    = 50
	healthCheckThreadPaceEvery     = 25
)

// HealthCheck scans a bounded window of course channel history and
// aggregates per-student engagement.
type HealthCheck struct {
	registry *CourseRegistry
	history  ChannelHistory
	logger   *slog.Logger
	loc      *time.Location

	// limiter paces history processing to respect platform rate
	// limits and avoid starving other tasks during long scans
	limiter *rate.Limiter
}

// NewHealthCheck creates a HealthCheck over the given registry and
// history capability.
func NewHealthCheck(
	registry *CourseRegistry,
	history ChannelHistory,
	logger *slog.Logger,
) *HealthCheck {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthCheck{
		registry: registry,
		history:  history,
		logger:   logger.With(loggerNameKey, "health_check"),
		loc:      referenceLocation(),
		limiter:  rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}
}

// studentCounter accumulates scan counts for one roster student.
type studentCounter struct {
	student     *StudentRecord
	total       int
	week        int
	lastMessage *time.Time
	joinedAt    *time.Time
}

// Run executes the health check for a course. A channel or thread that
// can't be read is skipped with a recorded warning; a single
// inaccessible channel never aborts the whole check. Every roster
// student of the course appears in the result, including zero-activity
// students, sorted most-at-risk and least-active first. The optional
// progress callback receives human-readable status updates.
func (h *HealthCheck) Run(
	ctx context.Context,
	courseName string,
	progress func(string),
) (*HealthCheckResult, error) {
	if progress == nil {
		progress = func(string) {}
	}
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = h.logger
	}

	course, found := h.registry.GetCourse(courseName)
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrCourseNotFound, courseName)
	}
	students := h.registry.CourseStudents(courseName)
	if len(students) == 0 {
		return nil, newError(
			ErrorKindValidation,
			fmt.Sprintf("no students found in roster for course %q", course.Name),
		)
	}

	channels, err := h.history.CategoryChannels(ctx, course.CategoryID)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, newError(
			ErrorKindValidation,
			fmt.Sprintf("no channels found for course category %d", course.CategoryID),
		)
	}

	monthStart, weekStart := activityWindows(time.Now().UTC(), h.loc)

	progress(fmt.Sprintf("Scanning %d channels for activity...", len(channels)))
	progress(
		fmt.Sprintf(
			"Time range: %s to %s",
			monthStart.In(h.loc).Format("2006-01-02"),
			time.Now().In(h.loc).Format("2006-01-02"),
		),
	)

	// attribution index: platform id first, then every normalized
	// handle variant
	counters := make(map[string]*studentCounter, len(students))
	byID := map[int64]*studentCounter{}
	byHandle := map[string]*studentCounter{}
	for i := range students {
		student := &students[i]
		counter := &studentCounter{student: student}
		counters[student.DiscordHandle] = counter
		if student.DiscordID != 0 {
			byID[student.DiscordID] = counter
		}
		byHandle[student.DiscordHandle] = counter
		if username, _, cut := strings.Cut(student.DiscordHandle, "#"); cut {
			byHandle[username] = counter
		}
	}

	result := &HealthCheckResult{CourseName: course.Name}

	for i, channel := range channels {
		progress(
			fmt.Sprintf(
				"Scanning %s (%d/%d)...",
				channel.Name, i+1, len(channels),
			),
		)

		scanned, scanErr := h.scanChannel(
			ctx,
			channel,
			monthStart, weekStart,
			healthCheckChannelMessageLimit,
			healthCheckChannelPaceEvery,
			byID, byHandle,
		)
		result.MessagesScanned += scanned
		if scanErr != nil {
			warning := fmt.Sprintf("couldn't scan %s: %s", channel.Name, scanErr)
			result.Warnings = append(result.Warnings, warning)
			progress(warning)
			logger.ErrorContext(
				ctx,
				"health check channel scan failed",
				"channel_name", channel.Name,
				tint.Err(scanErr),
			)
			continue
		}
		result.ChannelsScanned++
		progress(fmt.Sprintf("%s: %d messages scanned", channel.Name, scanned))

		threads, threadErr := h.history.ChannelThreads(
			ctx, channel.ID, healthCheckArchivedThreadLimit,
		)
		if threadErr != nil {
			warning := fmt.Sprintf(
				"couldn't get threads for %s: %s",
				channel.Name, threadErr,
			)
			result.Warnings = append(result.Warnings, warning)
			progress(warning)
			continue
		}
		for _, thread := range threads {
			scanned, scanErr = h.scanChannel(
				ctx,
				thread,
				monthStart, weekStart,
				healthCheckThreadMessageLimit,
				healthCheckThreadPaceEvery,
				byID, byHandle,
			)
			result.MessagesScanned += scanned
			if scanErr != nil {
				warning := fmt.Sprintf(
					"couldn't scan thread %s in %s: %s",
					thread.Name, channel.Name, scanErr,
				)
				result.Warnings = append(result.Warnings, warning)
				progress(warning)
			}
		}
	}

	progress("Collecting member information...")
	for _, counter := range counters {
		if counter.student.DiscordID == 0 {
			continue
		}
		if joined, joinedOK := h.history.MemberJoinedAt(
			ctx, counter.student.DiscordID,
		); joinedOK {
			joinedAt := joined
			counter.joinedAt = &joinedAt
		}
	}

	for _, counter := range counters {
		result.Activities = append(
			result.Activities, StudentActivity{
				Student:          *counter.student,
				TotalMessages:    counter.total,
				MessagesLastWeek: counter.week,
				LastMessageAt:    counter.lastMessage,
				MemberSince:      counter.joinedAt,
			},
		)
	}

	// most at-risk, least-active students surface first
	sort.SliceStable(
		result.Activities, func(i, j int) bool {
			left, right := result.Activities[i], result.Activities[j]
			if left.Tier().rank() != right.Tier().rank() {
				return left.Tier().rank() < right.Tier().rank()
			}
			return left.TotalMessages < right.TotalMessages
		},
	)

	progress(
		fmt.Sprintf(
			"Scan complete: %d messages analyzed",
			result.MessagesScanned,
		),
	)
	logger.InfoContext(
		ctx,
		"health check completed",
		"course_name", course.Name,
		"students_checked", len(result.Activities),
		"channels_scanned", result.ChannelsScanned,
		"messages_scanned", result.MessagesScanned,
		"warnings", len(result.Warnings),
	)
	return result, nil
}

// scanChannel streams one channel or thread's history within the
// 30-day boundary and attributes messages to students. Attribution
// tries the platform id first, then the full author string, then the
// bare username; unattributed messages are ignored.
func (h *HealthCheck) scanChannel(
	ctx context.Context,
	channel ChannelRef,
	monthStart time.Time,
	weekStart time.Time,
	messageLimit int,
	paceEvery int,
	byID map[int64]*studentCounter,
	byHandle map[string]*studentCounter,
) (int, error) {
	messages, err := h.history.Messages(ctx, channel.ID, monthStart, messageLimit)
	if err != nil {
		return 0, err
	}

	scanned := 0
	for _, msg := range messages {
		scanned++

		if paceEvery > 0 && scanned%paceEvery == 0 {
			if waitErr := h.limiter.Wait(ctx); waitErr != nil {
				return scanned, waitErr
			}
		}

		if msg.Bot {
			continue
		}

		counter := byID[msg.AuthorID]
		if counter == nil {
			counter = byHandle[normalizeHandle(msg.AuthorDisplay)]
		}
		if counter == nil {
			counter = byHandle[normalizeHandle(msg.AuthorName)]
		}
		if counter == nil {
			continue
		}

		counter.total++
		if !msg.CreatedAt.Before(weekStart) {
			counter.week++
		}
		if counter.lastMessage == nil || msg.CreatedAt.After(*counter.lastMessage) {
			createdAt := msg.CreatedAt
			counter.lastMessage = &createdAt
		}
	}
	return scanned, nil
}
