package refoldbot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// Poster posts one assignment to its destination channel, optionally as
// a new forum thread, returning the created thread id. Provided by the
// chat-platform adapter.
type Poster interface {
	PostAssignment(ctx context.Context, a Assignment) (threadID int64, err error)
}

// PosterFunc adapts a function to the Poster interface.
type PosterFunc func(ctx context.Context, a Assignment) (int64, error)

func (f PosterFunc) PostAssignment(ctx context.Context, a Assignment) (int64, error) {
	return f(ctx, a)
}

// Scheduler is the long-running loop that posts due homework
// assignments. It has two states, stopped and running, and is expected
// to run unattended for the process lifetime: a failing post marks that
// one assignment failed and the loop continues, and unexpected errors
// are recovered, logged and retried after the next sleep.
type Scheduler struct {
	store        *AssignmentStore
	logger       *slog.Logger
	pollInterval time.Duration

	mu         sync.Mutex
	running    bool
	signalStop chan struct{}
	stopped    chan struct{}
}

// NewScheduler creates a Scheduler polling the store at the given
// interval.
func NewScheduler(
	store *AssignmentStore,
	pollInterval time.Duration,
	logger *slog.Logger,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = DefaultSchedulerPollInterval
	}
	return &Scheduler{
		store:        store,
		logger:       logger.With(loggerNameKey, "homework_scheduler"),
		pollInterval: pollInterval,
	}
}

// Start transitions stopped to running and spawns the polling loop.
// Calling Start while already running is a no-op.
func (s *Scheduler) Start(ctx context.Context, poster Poster) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.signalStop = make(chan struct{}, 1)
	s.stopped = make(chan struct{})

	go s.run(ctx, poster, s.signalStop, s.stopped)
	s.logger.InfoContext(ctx, "homework scheduler started")
}

// Stop signals cancellation and transitions running to stopped.
// Cancellation is cooperative: it takes effect at the next wake, not
// mid-post. Calling Stop while already stopped is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.signalStop)
	s.logger.Info("homework scheduler stopping")
}

// Running reports whether the polling loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Done returns a channel closed when the polling loop has exited.
// Returns nil if the scheduler was never started.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Scheduler) run(
	ctx context.Context,
	poster Poster,
	signalStop <-chan struct{},
	stopped chan<- struct{},
) {
	defer close(stopped)
	defer func() {
		s.mu.Lock()
		// a restarted scheduler owns fresh channels; only clear the
		// running flag if this loop is still the current one
		if s.stopped == stopped {
			s.running = false
		}
		s.mu.Unlock()
	}()

	for {
		s.pollOnce(ctx, poster)

		// the sleep is the only suspension point; stop/cancel take
		// effect at the next wake
		select {
		case <-ctx.Done():
			s.logger.WarnContext(ctx, "context canceled, stopping scheduler")
			return
		case <-signalStop:
			s.logger.Info("homework scheduler stopped")
			return
		case <-time.After(s.pollInterval):
			//
		}
	}
}

// pollOnce finds and posts due assignments, recovering from anything
// unexpected so a bug can't terminate the loop.
func (s *Scheduler) pollOnce(ctx context.Context, poster Poster) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(
				ctx,
				"panic in scheduler loop",
				tint.Err(fmt.Errorf("%v", r)),
			)
		}
	}()

	now := time.Now().UTC()
	due := s.store.Due(now)
	s.logger.DebugContext(
		ctx,
		"homework scheduler check",
		"current_time", now,
		"due_count", len(due),
	)
	if len(due) == 0 {
		return
	}

	titles := make([]string, 0, len(due))
	for _, a := range due {
		titles = append(titles, a.Title)
	}
	s.logger.InfoContext(
		ctx,
		"homework assignments due",
		"count", len(due),
		"assignments", titles,
	)

	for _, a := range due {
		if err := s.postAssignment(ctx, poster, a); err != nil {
			// one failing post must never abort the batch
			s.logger.ErrorContext(
				ctx,
				"homework post failed",
				"assignment", a,
				tint.Err(err),
			)
			s.store.MarkFailed(ctx, a.ID, err.Error())
		}
	}
}

func (s *Scheduler) postAssignment(ctx context.Context, poster Poster, a Assignment) error {
	s.logger.InfoContext(
		ctx,
		"attempting homework post",
		"assignment", a,
	)
	threadID, err := poster.PostAssignment(ctx, a)
	if err != nil {
		return err
	}
	s.store.MarkPosted(ctx, a.ID, threadID)
	return nil
}

// PostNow posts a single assignment immediately, outside the polling
// loop. Unlike scheduler dispatch it also accepts assignments that
// previously failed, so an operator can re-post after fixing the cause.
func (s *Scheduler) PostNow(ctx context.Context, poster Poster, id string) error {
	a, ok := s.store.Get(id)
	if !ok {
		return ErrAssignmentNotFound
	}
	if a.Status == AssignmentStatusPosted {
		return fmt.Errorf("%w (status: %s)", ErrAssignmentNotPending, a.Status)
	}
	threadID, err := poster.PostAssignment(ctx, a)
	if err != nil {
		if a.Status == AssignmentStatusPending {
			s.store.MarkFailed(ctx, a.ID, err.Error())
		}
		return err
	}
	s.store.MarkPosted(ctx, a.ID, threadID)
	return nil
}
