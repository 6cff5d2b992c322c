package refoldbot

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/crypto/argon2"
)

const (
	apiPrefix          = "/api"
	xRequestIDHeader   = "X-Request-ID"
	authBearerPrefix   = "Bearer "
	maxUploadBodyBytes = 1 << 20

	argon2Time    uint32 = 1
	argon2Memory  uint32 = 64 * 1024
	argon2Threads uint8  = 4
	argon2KeyLen  uint32 = 32
)

// httpError is the uniform JSON error payload.
type httpError struct {
	Error string `json:"error"`
}

// API is the admin HTTP server: schedule and roster uploads, course
// configuration and on-demand health checks, protected by a bearer
// token.
type API struct {
	config     *APIConfig
	engine     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
	bot        *RefoldBot
}

// newAPI builds the admin API server and registers all routes.
func newAPI(bot *RefoldBot, config *APIConfig) *API {
	logger := slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "api")

	r := gin.New()
	api := &API{
		config: config,
		engine: r,
		logger: logger,
		bot:    bot,
		httpServer: &http.Server{
			Addr:              config.Listen,
			Handler:           r,
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = config.CORSAllowOrigins
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"http://" + config.Listen}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		apiLoggingMiddleware(logger),
		cors.New(corsConfig),
	)

	r.GET("/healthz", api.healthz)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config, logger))

	protected.GET("/schedule", api.getScheduleSummary)
	protected.GET("/assignments", api.getAssignments)
	protected.DELETE("/assignments/:id", api.cancelAssignment)
	protected.POST("/assignments/:id/post", api.postAssignmentNow)

	protected.GET("/courses", api.getCourses)
	protected.POST("/courses", api.addCourse)
	protected.DELETE("/courses/:name", api.removeCourse)
	protected.POST("/courses/:name/homework", api.uploadHomework)
	protected.POST("/courses/:name/health-check", api.runHealthCheck)

	protected.GET("/roster", api.getRosterSummary)
	protected.POST("/roster", api.uploadRoster)

	return api
}

// Serve runs the HTTP server until ctx is canceled, then shuts it down
// gracefully.
func (a *API) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.InfoContext(ctx, "admin api listening", "listen", a.config.Listen)
		errCh <- a.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			10*time.Second,
		)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	}
}

func (a *API) healthz(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"status":            "ok",
			"scheduler_running": a.bot.scheduler.Running(),
		},
	)
}

func (a *API) getScheduleSummary(c *gin.Context) {
	summary := BuildScheduleSummary(
		a.bot.assignments.All(""),
		time.Now().UTC(),
		a.bot.scheduler.Running(),
	)
	c.JSON(http.StatusOK, summary)
}

func (a *API) getAssignments(c *gin.Context) {
	course := c.Query("course")

	var assignments []Assignment
	switch c.Query("filter") {
	case "pending":
		assignments = a.bot.assignments.Pending(course)
	case "overdue":
		assignments = a.bot.assignments.Overdue(time.Now().UTC())
	case "upcoming":
		assignments = a.bot.assignments.Upcoming(
			time.Now().UTC(),
			DefaultUpcomingWindow,
		)
	case "":
		assignments = a.bot.assignments.All(course)
	default:
		c.JSON(
			http.StatusBadRequest,
			httpError{Error: "filter must be one of: pending, overdue, upcoming"},
		)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": assignments})
}

func (a *API) cancelAssignment(c *gin.Context) {
	err := a.bot.assignments.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortForError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"canceled": c.Param("id")})
}

func (a *API) postAssignmentNow(c *gin.Context) {
	err := a.bot.scheduler.PostNow(
		c.Request.Context(),
		a.bot.poster(),
		c.Param("id"),
	)
	if err != nil {
		abortForError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posted": c.Param("id")})
}

func (a *API) getCourses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"courses": a.bot.registry.Courses()})
}

type addCourseRequest struct {
	Name           string   `json:"name" binding:"required"`
	RoleID         int64    `json:"role_id" binding:"required"`
	CategoryID     int64    `json:"category_id" binding:"required"`
	Channels       []string `json:"channels"`
	WelcomeMessage string   `json:"welcome_message"`
}

func (a *API) addCourse(c *gin.Context) {
	var req addCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	err := a.bot.registry.AddCourse(
		c.Request.Context(),
		req.Name,
		req.RoleID,
		req.CategoryID,
		req.Channels,
		req.WelcomeMessage,
	)
	if err != nil {
		abortForError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"added": req.Name})
}

func (a *API) removeCourse(c *gin.Context) {
	err := a.bot.registry.RemoveCourse(c.Request.Context(), c.Param("name"))
	if err != nil {
		abortForError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("name")})
}

// uploadHomework accepts a homework schedule CSV as the request body
// and schedules the parsed assignments for the course. Per-row
// problems come back as warnings alongside the created count.
func (a *API) uploadHomework(c *gin.Context) {
	forumChannelID, err := strconv.ParseInt(c.Query("forum_channel_id"), 10, 64)
	if err != nil || forumChannelID <= 0 {
		c.JSON(
			http.StatusBadRequest,
			httpError{Error: "forum_channel_id must be a positive integer"},
		)
		return
	}

	body, err := readUploadBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	result, err := a.bot.assignments.AddBatch(
		c.Request.Context(),
		c.Param("name"),
		body,
		forumChannelID,
	)
	if err != nil {
		abortForError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *API) uploadRoster(c *gin.Context) {
	body, err := readUploadBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	count, err := a.bot.registry.LoadRoster(c.Request.Context(), body)
	if err != nil {
		abortForError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students_loaded": count})
}

func (a *API) getRosterSummary(c *gin.Context) {
	summary := BuildRosterSummary(
		a.bot.registry.Students(),
		a.bot.registry.CourseCount(),
	)
	c.JSON(http.StatusOK, summary)
}

func (a *API) runHealthCheck(c *gin.Context) {
	logger := ginContextLogger(c)
	ctx := WithLogger(c.Request.Context(), logger)

	result, err := a.bot.healthCheck.Run(
		ctx,
		c.Param("name"),
		func(update string) {
			logger.InfoContext(ctx, "health check progress", "update", update)
		},
	)
	if err != nil {
		abortForError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func readUploadBody(c *gin.Context) (string, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUploadBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) == 0 {
		return "", errors.New("request body is empty")
	}
	return string(body), nil
}

// abortForError maps core error kinds onto HTTP status codes.
func abortForError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrAssignmentNotFound),
		errors.Is(err, ErrCourseNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrCourseExists):
		status = http.StatusConflict
	case IsKind(err, ErrorKindValidation),
		errors.Is(err, ErrAssignmentNotPending):
		status = http.StatusBadRequest
	case IsKind(err, ErrorKindAccess):
		status = http.StatusBadGateway
	case IsKind(err, ErrorKindTransport):
		status = http.StatusBadGateway
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, httpError{Error: err.Error()})
}

// authMiddleware verifies the Authorization bearer token against the
// configured argon2 hash.
func authMiddleware(config *APIConfig, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, authBearerPrefix) {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		token := strings.TrimPrefix(header, authBearerPrefix)

		valid, err := verifyToken(config.TokenHash, token)
		if err != nil {
			logger.Error("token verification failed", tint.Err(err))
		}
		if !valid {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns each request a unique id, set on both the
// gin context and the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request-scoped logger from the gin
// context, creating and caching one with request details if absent.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"remote_ip", c.RemoteIP(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// apiLoggingMiddleware logs each request with its duration and response
// status.
func apiLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e)
		}

		requestID, _ := c.Get(xRequestIDHeader)
		attrs := []any{
			"duration", latency,
			slog.Any(xRequestIDHeader, requestID),
			slog.Group(
				"response",
				"status_code", c.Writer.Status(),
				"body_size", c.Writer.Size(),
			),
		}
		msg := fmt.Sprintf(
			"%s %s finished",
			c.Request.Method,
			c.Request.URL.Path,
		)
		if len(errs) > 0 {
			logger.Error(msg, append(attrs, "errors", errors.Join(errs...))...)
		} else {
			logger.Info(msg, attrs...)
		}
	}
}

// HashToken hashes an API bearer token using Argon2id, producing the
// value stored as token_hash in the config.
func HashToken(token string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey(
		[]byte(token),
		salt,
		argon2Time,
		argon2Memory,
		argon2Threads,
		argon2KeyLen,
	)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	// Format: $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argon2Memory,
		argon2Time,
		argon2Threads,
		b64Salt,
		b64Hash,
	), nil
}

// verifyToken checks a presented token against the stored Argon2id hash.
func verifyToken(storedHash string, token string) (bool, error) {
	parts := strings.Split(storedHash, "$")
	if len(parts) != 6 {
		return false, errors.New("invalid hash format")
	}

	var memory, argonTime, threads int
	if _, err := fmt.Sscanf(
		parts[3],
		"m=%d,t=%d,p=%d",
		&memory,
		&argonTime,
		&threads,
	); err != nil {
		return false, errors.New("invalid hash format")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, errors.New("invalid salt")
	}
	decodedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, errors.New("invalid hash")
	}

	hashToCompare := argon2.IDKey(
		[]byte(token),
		salt,
		uint32(argonTime),
		uint32(memory),
		uint8(threads),
		uint32(len(decodedHash)),
	)
	return subtle.ConstantTimeCompare(decodedHash, hashToCompare) == 1, nil
}
