package refoldbot

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/lmittmann/tint"
)

const documentHomeworkAssignments = "homework_assignments"

// AssignmentStatus is the lifecycle state of a homework assignment.
// Only pending assignments are eligible for scheduler dispatch or
// cancellation; posted and failed are retained for audit/listing.
type AssignmentStatus string

const (
	AssignmentStatusPending AssignmentStatus = "pending"
	AssignmentStatusPosted  AssignmentStatus = "posted"
	AssignmentStatusFailed  AssignmentStatus = "failed"
)

func (s AssignmentStatus) String() string {
	return string(s)
}

// Assignment is one scheduled homework post tied to a course and a
// target forum channel. ScheduledAt is always stored normalized to UTC.
type Assignment struct {
	ID             string           `json:"homework_id"`
	CourseName     string           `json:"course_name"`
	Title          string           `json:"title"`
	Content        string           `json:"content"`
	ScheduledAt    time.Time        `json:"scheduled_datetime"`
	CourseDay      int              `json:"course_day"`
	Status         AssignmentStatus `json:"status"`
	PostedAt       *time.Time       `json:"posted_at,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	ForumChannelID int64            `json:"forum_channel_id,omitempty"`
	ThreadID       int64            `json:"thread_id,omitempty"`
}

func (a Assignment) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("homework_id", a.ID),
		slog.String("course_name", a.CourseName),
		slog.String("title", a.Title),
		slog.Time("scheduled_datetime", a.ScheduledAt),
		slog.String("status", a.Status.String()),
	)
}

// assignmentID derives a stable, reproducible id from the course name,
// title and scheduled time, so duplicate uploads are detected instead
// of creating duplicates.
func assignmentID(courseName string, title string, scheduledAt time.Time) string {
	timestamp := scheduledAt.UTC().Format("20060102_1504")

	var b strings.Builder
	for _, r := range title {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	cleanTitle := strings.ReplaceAll(strings.TrimSpace(b.String()), " ", "_")
	titleRunes := []rune(cleanTitle)
	if len(titleRunes) > 20 {
		cleanTitle = string(titleRunes[:20])
	}
	return fmt.Sprintf("%s_%s_%s", strings.ToLower(courseName), cleanTitle, timestamp)
}

type homeworkDocument struct {
	Assignments map[string]Assignment `json:"assignments"`
	Metadata    documentMetadata      `json:"metadata"`
}

type documentMetadata struct {
	TotalEntries int    `json:"total_entries"`
	LastUpdated  string `json:"last_updated,omitempty"`
}

// BatchResult is the structured outcome of a bulk homework upload:
// counts of created assignments plus itemized per-row warnings, so
// operators can see partial failure.
type BatchResult struct {
	Created  []Assignment `json:"created"`
	Warnings []string     `json:"warnings"`
}

// AssignmentStore holds homework assignments in memory and persists
// the full state as a single durable document on every mutation.
type AssignmentStore struct {
	docs        DocumentStore
	logger      *slog.Logger
	mu          sync.Mutex
	assignments map[string]*Assignment
	loc         *time.Location
}

// NewAssignmentStore creates an AssignmentStore on the given document
// store. Call Load before use.
func NewAssignmentStore(docs DocumentStore, logger *slog.Logger) *AssignmentStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &AssignmentStore{
		docs:        docs,
		logger:      logger.With(loggerNameKey, "assignment_store"),
		assignments: map[string]*Assignment{},
		loc:         referenceLocation(),
	}
}

// Load reads the homework document into memory. Invalid entries are
// skipped with a warning rather than failing the load.
func (s *AssignmentStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.docs.Load(ctx, documentHomeworkAssignments)
	if err != nil {
		return err
	}
	s.assignments = map[string]*Assignment{}
	if data == nil {
		return nil
	}

	var doc homeworkDocument
	if err = json.Unmarshal(data, &doc); err != nil {
		return wrapError(
			ErrorKindPersistence,
			"invalid homework assignments document",
			err,
		)
	}
	for id, a := range doc.Assignments {
		if a.ID == "" || a.Status == "" || a.ScheduledAt.IsZero() {
			s.logger.WarnContext(
				ctx,
				"invalid homework assignment skipped",
				"homework_id", id,
			)
			continue
		}
		assignment := a
		assignment.ScheduledAt = assignment.ScheduledAt.UTC()
		s.assignments[id] = &assignment
	}
	s.logger.InfoContext(
		ctx,
		"homework assignments loaded",
		"assignment_count", len(s.assignments),
	)
	return nil
}

// save writes the full in-memory state as one document. Callers must
// hold s.mu.
func (s *AssignmentStore) save(ctx context.Context) error {
	doc := homeworkDocument{
		Assignments: make(map[string]Assignment, len(s.assignments)),
		Metadata: documentMetadata{
			TotalEntries: len(s.assignments),
			LastUpdated:  time.Now().UTC().Format(time.RFC3339),
		},
	}
	for id, a := range s.assignments {
		doc.Assignments[id] = *a
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return wrapError(ErrorKindPersistence, "failed to encode homework assignments", err)
	}
	return s.docs.Save(ctx, documentHomeworkAssignments, data)
}

var homeworkRequiredColumns = []string{"title", "text", "post_date", "post_time", "course_day"}

// AddBatch parses a homework schedule CSV and adds the resulting
// assignments. Rows are validated independently: a malformed row
// produces a warning and is skipped, it does not abort the batch.
// Dates are strict YYYY-MM-DD and times strict 24-hour HH:MM, both
// interpreted in the reference timezone and stored as UTC. Rows whose
// deterministic id already exists in the store are skipped with a
// warning.
func (s *AssignmentStore) AddBatch(
	ctx context.Context,
	courseName string,
	csvContent string,
	forumChannelID int64,
) (*BatchResult, error) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = s.logger
	}

	rows, header, err := readCSV(csvContent)
	if err != nil {
		return nil, err
	}
	if missing := missingColumns(header, homeworkRequiredColumns); len(missing) > 0 {
		return nil, newError(
			ErrorKindValidation,
			fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", ")),
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := &BatchResult{}
	var created []*Assignment

	for i, row := range rows {
		// header is line 1
		rowNum := i + 2

		title := strings.TrimSpace(row["title"])
		text := strings.TrimSpace(row["text"])
		postDate := strings.TrimSpace(row["post_date"])
		postTime := strings.TrimSpace(row["post_time"])
		courseDayStr := strings.TrimSpace(row["course_day"])

		if title == "" || text == "" || postDate == "" || postTime == "" || courseDayStr == "" {
			result.Warnings = append(
				result.Warnings,
				fmt.Sprintf("row %d: missing required fields, skipping", rowNum),
			)
			continue
		}

		// CSV cells can't hold raw newlines from most spreadsheet
		// exports, so literal \n sequences are unescaped
		text = strings.ReplaceAll(text, `\n`, "\n")

		courseDay, convErr := strconv.Atoi(courseDayStr)
		if convErr != nil {
			result.Warnings = append(
				result.Warnings,
				fmt.Sprintf("row %d: invalid course day %q, skipping", rowNum, courseDayStr),
			)
			continue
		}

		scheduledAt, parseErr := parseScheduleTime(postDate, postTime, s.loc)
		if parseErr != nil {
			result.Warnings = append(
				result.Warnings,
				fmt.Sprintf("row %d: invalid date/time - %s, skipping", rowNum, parseErr),
			)
			continue
		}

		id := assignmentID(courseName, title, scheduledAt)
		if _, exists := s.assignments[id]; exists {
			result.Warnings = append(
				result.Warnings,
				fmt.Sprintf("row %d: assignment %q already exists, skipping", rowNum, title),
			)
			continue
		}

		created = append(
			created, &Assignment{
				ID:             id,
				CourseName:     courseName,
				Title:          title,
				Content:        text,
				ScheduledAt:    scheduledAt,
				CourseDay:      courseDay,
				Status:         AssignmentStatusPending,
				ForumChannelID: forumChannelID,
			},
		)
	}

	if len(created) == 0 {
		return result, newError(
			ErrorKindValidation,
			"no valid homework assignments found in CSV",
		)
	}

	for _, a := range created {
		s.assignments[a.ID] = a
		result.Created = append(result.Created, *a)
	}

	if err = s.save(ctx); err != nil {
		return result, err
	}

	logger.InfoContext(
		ctx,
		"homework schedule uploaded",
		"course_name", courseName,
		"assignments_added", len(result.Created),
		"warnings_count", len(result.Warnings),
	)
	return result, nil
}

// parseScheduleTime parses a strict YYYY-MM-DD date and 24-hour HH:MM
// time in loc, returning the instant normalized to UTC.
func parseScheduleTime(date string, clock string, loc *time.Location) (time.Time, error) {
	if len(date) != len("2006-01-02") {
		return time.Time{}, fmt.Errorf("date must be in YYYY-MM-DD format")
	}
	if len(clock) != len("15:04") {
		return time.Time{}, fmt.Errorf("time must be in HH:MM format")
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", date+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date/time %q %q", date, clock)
	}
	return t.UTC(), nil
}

// Cancel removes a pending assignment from the store. Returns
// ErrAssignmentNotFound for unknown ids and ErrAssignmentNotPending
// for posted/failed assignments.
func (s *AssignmentStore) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[id]
	if !ok {
		return ErrAssignmentNotFound
	}
	if a.Status != AssignmentStatusPending {
		return fmt.Errorf("%w (status: %s)", ErrAssignmentNotPending, a.Status)
	}
	delete(s.assignments, id)

	if err := s.save(ctx); err != nil {
		return err
	}
	s.logger.InfoContext(
		ctx,
		"homework assignment cancelled",
		"homework_id", id,
		"title", a.Title,
	)
	return nil
}

// MarkPosted transitions an assignment to posted and records the
// created thread. Pending assignments are the normal path; failed
// assignments may also be posted through an explicit manual re-post.
// Returns false if the id is unknown or the assignment is already
// posted.
func (s *AssignmentStore) MarkPosted(ctx context.Context, id string, threadID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[id]
	if !ok {
		return false
	}
	if a.Status == AssignmentStatusPosted {
		return false
	}
	now := time.Now().UTC()
	a.Status = AssignmentStatusPosted
	a.PostedAt = &now
	a.ThreadID = threadID
	a.ErrorMessage = ""

	if err := s.save(ctx); err != nil {
		s.logger.ErrorContext(
			ctx,
			"failed to persist posted assignment",
			"homework_id", id,
			tint.Err(err),
		)
	}
	s.logger.InfoContext(
		ctx,
		"homework assignment posted",
		"homework_id", id,
		"thread_id", threadID,
	)
	return true
}

// MarkFailed transitions a pending assignment to failed with the given
// reason. Returns false if the id is unknown or the assignment already
// left pending: posted and failed are terminal for the scheduler.
func (s *AssignmentStore) MarkFailed(ctx context.Context, id string, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[id]
	if !ok {
		return false
	}
	if a.Status != AssignmentStatusPending {
		return false
	}
	a.Status = AssignmentStatusFailed
	a.ErrorMessage = reason

	if err := s.save(ctx); err != nil {
		s.logger.ErrorContext(
			ctx,
			"failed to persist failed assignment",
			"homework_id", id,
			tint.Err(err),
		)
	}
	s.logger.ErrorContext(
		ctx,
		"homework assignment failed",
		"homework_id", id,
		"error_message", reason,
	)
	return true
}

// Get returns a copy of the assignment with the given id.
func (s *AssignmentStore) Get(id string) (Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[id]
	if !ok {
		return Assignment{}, false
	}
	return *a, true
}

// FindByTitle returns the first assignment whose title matches
// case-insensitively, preferring pending assignments.
func (s *AssignmentStore) FindByTitle(title string) (Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := strings.ToLower(strings.TrimSpace(title))
	var found *Assignment
	for _, a := range s.assignments {
		if strings.ToLower(a.Title) != target {
			continue
		}
		if a.Status == AssignmentStatusPending {
			return *a, true
		}
		if found == nil {
			found = a
		}
	}
	if found != nil {
		return *found, true
	}
	return Assignment{}, false
}

// Due returns all pending assignments whose scheduled time is at or
// before now, ascending by scheduled time so ties post in upload order.
func (s *AssignmentStore) Due(now time.Time) []Assignment {
	return s.filtered(
		func(a *Assignment) bool {
			return a.Status == AssignmentStatusPending && !a.ScheduledAt.After(now)
		},
	)
}

// Upcoming returns pending assignments scheduled within the window
// from now.
func (s *AssignmentStore) Upcoming(now time.Time, window time.Duration) []Assignment {
	cutoff := now.Add(window)
	return s.filtered(
		func(a *Assignment) bool {
			return a.Status == AssignmentStatusPending && !a.ScheduledAt.After(cutoff)
		},
	)
}

// Overdue returns assignments that should have been posted by now but
// weren't: pending or failed, scheduled at or before now.
func (s *AssignmentStore) Overdue(now time.Time) []Assignment {
	return s.filtered(
		func(a *Assignment) bool {
			return a.Status != AssignmentStatusPosted && !a.ScheduledAt.After(now)
		},
	)
}

// Pending returns pending assignments, optionally filtered by course.
func (s *AssignmentStore) Pending(courseName string) []Assignment {
	return s.filtered(
		func(a *Assignment) bool {
			if a.Status != AssignmentStatusPending {
				return false
			}
			return courseName == "" ||
				strings.EqualFold(a.CourseName, courseName)
		},
	)
}

// All returns all assignments, optionally filtered by course.
func (s *AssignmentStore) All(courseName string) []Assignment {
	return s.filtered(
		func(a *Assignment) bool {
			return courseName == "" ||
				strings.EqualFold(a.CourseName, courseName)
		},
	)
}

// Len returns the number of stored assignments, in any status.
func (s *AssignmentStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.assignments)
}

func (s *AssignmentStore) filtered(keep func(*Assignment) bool) []Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []Assignment
	for _, a := range s.assignments {
		if keep(a) {
			result = append(result, *a)
		}
	}
	slices.SortStableFunc(
		result, func(a, b Assignment) int {
			return a.ScheduledAt.Compare(b.ScheduledAt)
		},
	)
	return result
}

// readCSV parses header-driven CSV text into row maps keyed by
// column name.
func readCSV(content string) ([]map[string]string, []string, error) {
	reader := csv.NewReader(strings.NewReader(strings.TrimSpace(content)))
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, wrapError(ErrorKindValidation, "invalid CSV", err)
	}
	if len(records) == 0 {
		return nil, nil, newError(ErrorKindValidation, "empty CSV")
	}

	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}

	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, header, nil
}

func missingColumns(header []string, required []string) []string {
	var missing []string
	for _, col := range required {
		if !slices.Contains(header, col) {
			missing = append(missing, col)
		}
	}
	sort.Strings(missing)
	return missing
}
