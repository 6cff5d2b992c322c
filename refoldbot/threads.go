package refoldbot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// ThreadStarter posts a message to a text channel and opens a
// discussion thread on it. Provided by the chat-platform adapter.
type ThreadStarter interface {
	StartThread(
		ctx context.Context,
		channelID int64,
		content string,
		threadName string,
	) error
}

// ThreadStarterFunc adapts a function to the ThreadStarter interface.
type ThreadStarterFunc func(
	ctx context.Context,
	channelID int64,
	content string,
	threadName string,
) error

func (f ThreadStarterFunc) StartThread(
	ctx context.Context,
	channelID int64,
	content string,
	threadName string,
) error {
	return f(ctx, channelID, content, threadName)
}

// CommunityThreads is the long-running loop that opens the recurring
// community discussion threads: a daily accountability prompt and a
// weekly graduate check-in. Like the homework scheduler it has two
// states, stopped and running, and one failing channel never aborts
// the rest of a round.
type CommunityThreads struct {
	config *AccountabilityConfig
	logger *slog.Logger
	loc    *time.Location

	mu         sync.Mutex
	running    bool
	signalStop chan struct{}
	stopped    chan struct{}
}

// NewCommunityThreads creates a CommunityThreads worker posting on the
// configured wall-clock times in the reference timezone.
func NewCommunityThreads(
	config *AccountabilityConfig,
	logger *slog.Logger,
) *CommunityThreads {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommunityThreads{
		config: config,
		logger: logger.With(loggerNameKey, "community_threads"),
		loc:    referenceLocation(),
	}
}

// Start transitions stopped to running and spawns the posting loop.
// Calling Start while already running is a no-op.
func (t *CommunityThreads) Start(ctx context.Context, starter ThreadStarter) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}
	t.running = true
	t.signalStop = make(chan struct{}, 1)
	t.stopped = make(chan struct{})

	go t.run(ctx, starter, t.signalStop, t.stopped)
	t.logger.InfoContext(ctx, "community thread loop started")
}

// Stop signals cancellation and transitions running to stopped.
// Calling Stop while already stopped is a no-op.
func (t *CommunityThreads) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}
	t.running = false
	close(t.signalStop)
	t.logger.Info("community thread loop stopping")
}

// Running reports whether the posting loop is active.
func (t *CommunityThreads) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Done returns a channel closed when the posting loop has exited.
// Returns nil if the loop was never started.
func (t *CommunityThreads) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *CommunityThreads) run(
	ctx context.Context,
	starter ThreadStarter,
	signalStop <-chan struct{},
	stopped chan<- struct{},
) {
	defer close(stopped)
	defer func() {
		t.mu.Lock()
		if t.stopped == stopped {
			t.running = false
		}
		t.mu.Unlock()
	}()

	for {
		now := time.Now()
		dailyAt := NextDaily(now, t.config.DailyHour, t.config.DailyMinute, t.loc)
		weeklyAt := NextWeekly(
			now,
			t.config.WeeklyHour,
			t.config.WeeklyMinute,
			t.config.WeeklyDay,
			t.loc,
		)
		t.logger.DebugContext(
			ctx,
			"community threads scheduled",
			"next_daily", dailyAt,
			"next_weekly", weeklyAt,
		)

		dailyTimer := time.NewTimer(time.Until(dailyAt))
		weeklyTimer := time.NewTimer(time.Until(weeklyAt))

		select {
		case <-ctx.Done():
			t.logger.WarnContext(ctx, "context canceled, stopping community threads")
			dailyTimer.Stop()
			weeklyTimer.Stop()
			return
		case <-signalStop:
			t.logger.Info("community thread loop stopped")
			dailyTimer.Stop()
			weeklyTimer.Stop()
			return
		case <-dailyTimer.C:
			t.postDaily(ctx, starter)
		case <-weeklyTimer.C:
			t.postWeekly(ctx, starter)
		}
		dailyTimer.Stop()
		weeklyTimer.Stop()
	}
}

// postDaily opens the daily accountability thread in each configured
// channel, recovering from anything unexpected so a bug can't
// terminate the loop.
func (t *CommunityThreads) postDaily(ctx context.Context, starter ThreadStarter) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.ErrorContext(
				ctx,
				"panic in daily thread round",
				tint.Err(fmt.Errorf("%v", r)),
			)
		}
	}()
	now := time.Now().In(t.loc)
	content, threadName := dailyAccountabilityMessage(now, t.config.DailyRoleID)
	t.postRound(ctx, starter, t.config.DailyChannelIDs, content, threadName)
}

// postWeekly opens the weekly check-in thread in each configured
// graduate channel.
func (t *CommunityThreads) postWeekly(ctx context.Context, starter ThreadStarter) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.ErrorContext(
				ctx,
				"panic in weekly thread round",
				tint.Err(fmt.Errorf("%v", r)),
			)
		}
	}()
	now := time.Now().In(t.loc)
	content, threadName := weeklyCheckInMessage(now)
	t.postRound(ctx, starter, t.config.GraduateChannelIDs, content, threadName)
}

// postRound posts one prompt to every channel in the list. A failing
// channel is logged and skipped.
func (t *CommunityThreads) postRound(
	ctx context.Context,
	starter ThreadStarter,
	channelIDs []int64,
	content string,
	threadName string,
) {
	var posted, failed int
	for _, channelID := range channelIDs {
		if err := starter.StartThread(ctx, channelID, content, threadName); err != nil {
			t.logger.ErrorContext(
				ctx,
				"failed to open community thread",
				"channel_id", channelID,
				"thread_name", threadName,
				tint.Err(err),
			)
			failed++
			continue
		}
		posted++
	}
	t.logger.InfoContext(
		ctx,
		"community thread round complete",
		"thread_name", threadName,
		"posted", posted,
		"failed", failed,
	)
}

// dailyAccountabilityMessage renders the daily prompt and its thread
// name for the given local time.
func dailyAccountabilityMessage(now time.Time, roleID int64) (content string, threadName string) {
	content = fmt.Sprintf(
		"Hello <@&%d>! Today is <t:%d:D>. How was your language learning"+
			" today? What did you do? Did you struggle with anything? Or did"+
			" you have any particular wins today? Post your replies in the"+
			" thread below!\n\nIf today's been a tough day for your language"+
			" learning, there's still time! Go do 5 minutes of an easy"+
			" activity you enjoy \U0001F601",
		roleID,
		now.Unix(),
	)
	threadName = "Daily Accountability " + now.Format("2006-01-02")
	return content, threadName
}

// weeklyCheckInMessage renders the weekly graduate check-in prompt and
// its thread name for the given local time.
func weeklyCheckInMessage(now time.Time) (content string, threadName string) {
	content = "Greetings, @everyone, it's time for the weekly check-in!\n" +
		"1. What are you working on?\n" +
		"2. What are you learning?\n" +
		"3. What is your most recent win?\n\n" +
		"Share your accolades and accomplishments with the rest of the academy below!"
	threadName = "Weekly Check-in - " + now.Format("2006-01-02")
	return content, threadName
}
