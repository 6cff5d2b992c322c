package refoldbot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Set at build time:
// -ldflags "-X github.com/refold-languages/refoldbot/refoldbot.Version=$$(date +'%Y%m%d')"
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// RefoldBot is the assembled application: the persistent stores, the
// homework scheduler, the Discord adapter and the admin API, wired
// together from a Config.
type RefoldBot struct {
	config     *Config
	logHandler slog.Handler
	logger     *slog.Logger

	db          *gorm.DB
	docs        DocumentStore
	assignments *AssignmentStore
	registry    *CourseRegistry

	scheduler   *Scheduler
	healthCheck *HealthCheck
	threads     *CommunityThreads
	discord     *Discord
	api         *API

	// runMu prevents concurrent Run calls
	runMu sync.Mutex
}

// New creates a RefoldBot from config. No connections are opened and
// nothing is loaded until Run.
func New(config *Config) (*RefoldBot, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	b := &RefoldBot{config: config}

	b.logHandler = newLogHandler(config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)
	return b, nil
}

// Run starts the bot and blocks until ctx is canceled or startup
// fails. Initialization must finish within StartupTimeout; shutdown is
// bounded by ShutdownTimeout.
func (b *RefoldBot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	logger := b.logger
	ctx = WithLogger(ctx, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.init(startCtx); err != nil {
		logger.ErrorContext(ctx, "startup failed", tint.Err(err))
		return err
	}
	logger.InfoContext(ctx, "startup complete")

	runtimeWG := &sync.WaitGroup{}

	if b.config.Scheduler.Enabled {
		b.scheduler.Start(ctx, b.poster())
	} else {
		logger.WarnContext(ctx, "homework scheduler disabled")
	}

	if b.config.Accountability.Enabled {
		b.threads.Start(ctx, b.discord)
	} else {
		logger.InfoContext(ctx, "community thread posting disabled")
	}

	if b.config.API.Enabled {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if err := b.api.Serve(ctx); err != nil {
				logger.ErrorContext(ctx, "admin api failed", tint.Err(err))
				cancel()
			}
		}()
	}

	<-ctx.Done()
	return b.shutdown(runtimeWG)
}

// init connects the database, loads the persistent stores and opens the
// Discord gateway.
func (b *RefoldBot) init(ctx context.Context) error {
	db, err := CreateDB(ctx, b.config.DatabaseType, b.config.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	b.db = db
	b.docs = NewDocumentStore(db, b.logger)

	b.assignments = NewAssignmentStore(b.docs, b.logger)
	if err = b.assignments.Load(ctx); err != nil {
		return fmt.Errorf("failed to load homework schedule: %w", err)
	}
	b.registry = NewCourseRegistry(b.docs, b.logger)
	if err = b.registry.Load(ctx); err != nil {
		return fmt.Errorf("failed to load course config: %w", err)
	}

	b.discord, err = NewDiscord(b.config.Discord, b.registry, b.logger)
	if err != nil {
		return err
	}
	if err = b.discord.Connect(ctx); err != nil {
		return err
	}

	b.scheduler = NewScheduler(
		b.assignments,
		b.config.Scheduler.PollInterval,
		b.logger,
	)
	b.healthCheck = NewHealthCheck(b.registry, b.discord, b.logger)
	b.threads = NewCommunityThreads(b.config.Accountability, b.logger)
	b.api = newAPI(b, b.config.API)

	b.logger.InfoContext(
		ctx,
		"initialized",
		"assignments", b.assignments.Len(),
		"courses", b.registry.CourseCount(),
	)
	return nil
}

// poster returns the Poster used for scheduler dispatch and manual
// re-posts.
func (b *RefoldBot) poster() Poster {
	return b.discord
}

// shutdown stops the scheduler, waits for runtime goroutines and closes
// the Discord session, all bounded by ShutdownTimeout.
func (b *RefoldBot) shutdown(runtimeWG *sync.WaitGroup) error {
	logger := b.logger
	logger.Info("shutting down")

	timeout := b.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	b.scheduler.Stop()
	if done := b.scheduler.Done(); done != nil {
		select {
		case <-done:
			//
		case <-shutdownCtx.Done():
			logger.Warn("timed out waiting for scheduler to stop")
		}
	}

	b.threads.Stop()
	if done := b.threads.Done(); done != nil {
		select {
		case <-done:
			//
		case <-shutdownCtx.Done():
			logger.Warn("timed out waiting for community threads to stop")
		}
	}

	waited := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		//
	case <-shutdownCtx.Done():
		logger.Warn("timed out waiting for runtime goroutines")
	}

	if b.discord != nil {
		if err := b.discord.Disconnect(); err != nil {
			logger.Error("error closing discord session", tint.Err(err))
		}
	}
	logger.Info("shutdown complete")
	return nil
}
