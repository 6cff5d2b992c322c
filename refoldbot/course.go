package refoldbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

const documentCourseConfig = "course_config"

// StudentStatus tracks whether a roster entry has been matched to a
// platform member and granted its course role.
type StudentStatus string

const (
	StudentStatusPending  StudentStatus = "pending"
	StudentStatusEnrolled StudentStatus = "enrolled"
)

// CourseConfig is one configured course offering: a role, a channel
// category and optional channel/welcome metadata. The display name
// keeps its original case; lookups use the normalized form.
type CourseConfig struct {
	Name           string   `json:"name"`
	RoleID         int64    `json:"role_id"`
	CategoryID     int64    `json:"category_id"`
	Channels       []string `json:"channels,omitempty"`
	WelcomeMessage string   `json:"welcome_message,omitempty"`
}

// StudentRecord is one roster entry. DiscordHandle is normalized
// (lower-cased, trimmed) for matching.
type StudentRecord struct {
	Email         string        `json:"email"`
	Name          string        `json:"name"`
	DiscordHandle string        `json:"discord_handle"`
	CourseName    string        `json:"course_name"`
	EnrolledDate  string        `json:"enrolled_date,omitempty"`
	Status        StudentStatus `json:"status"`
	DiscordID     int64         `json:"discord_id,omitempty"`
}

// normalizeCourseName produces the lookup key for a course name:
// trimmed, with surrounding quotes stripped (Discord commands often
// include them), lower-cased. Two names that normalize identically are
// the same course.
func normalizeCourseName(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.Trim(cleaned, `"'`)
	cleaned = strings.TrimSpace(cleaned)
	return strings.ToLower(cleaned)
}

// normalizeHandle normalizes a Discord handle for matching.
func normalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}

type courseDocument struct {
	Courses  map[string]storedCourse `json:"courses"`
	Metadata documentMetadata        `json:"metadata"`
}

// storedCourse is the persisted shape; the display-case name is the
// JSON key for readability.
type storedCourse struct {
	RoleID         int64    `json:"role_id"`
	CategoryID     int64    `json:"category_id"`
	Channels       []string `json:"channels,omitempty"`
	WelcomeMessage string   `json:"welcome_message,omitempty"`
}

// CourseRegistry manages course configurations (persisted) and the
// student roster (in-memory, replaced wholesale by each upload).
type CourseRegistry struct {
	docs   DocumentStore
	logger *slog.Logger

	mu       sync.Mutex
	courses  map[string]*CourseConfig
	students []*StudentRecord

	// handleIndex maps every normalized handle variant (full handle,
	// prefix before any discriminator separator) to its student
	handleIndex map[string]*StudentRecord
}

// NewCourseRegistry creates a CourseRegistry on the given document
// store. Call Load before use.
func NewCourseRegistry(docs DocumentStore, logger *slog.Logger) *CourseRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &CourseRegistry{
		docs:        docs,
		logger:      logger.With(loggerNameKey, "course_registry"),
		courses:     map[string]*CourseConfig{},
		handleIndex: map[string]*StudentRecord{},
	}
}

// Load reads the course configuration document into memory.
func (r *CourseRegistry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.docs.Load(ctx, documentCourseConfig)
	if err != nil {
		return err
	}
	r.courses = map[string]*CourseConfig{}
	if data == nil {
		return nil
	}

	var doc courseDocument
	if err = json.Unmarshal(data, &doc); err != nil {
		return wrapError(ErrorKindPersistence, "invalid course config document", err)
	}
	for name, stored := range doc.Courses {
		key := normalizeCourseName(name)
		r.courses[key] = &CourseConfig{
			Name:           name,
			RoleID:         stored.RoleID,
			CategoryID:     stored.CategoryID,
			Channels:       stored.Channels,
			WelcomeMessage: stored.WelcomeMessage,
		}
	}
	r.logger.InfoContext(
		ctx,
		"course config loaded",
		"course_count", len(r.courses),
	)
	return nil
}

// save writes the full course config as one document. Callers must
// hold r.mu.
func (r *CourseRegistry) save(ctx context.Context) error {
	doc := courseDocument{
		Courses: make(map[string]storedCourse, len(r.courses)),
		Metadata: documentMetadata{
			TotalEntries: len(r.courses),
		},
	}
	for _, c := range r.courses {
		doc.Courses[c.Name] = storedCourse{
			RoleID:         c.RoleID,
			CategoryID:     c.CategoryID,
			Channels:       c.Channels,
			WelcomeMessage: c.WelcomeMessage,
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return wrapError(ErrorKindPersistence, "failed to encode course config", err)
	}
	return r.docs.Save(ctx, documentCourseConfig, data)
}

// AddCourse stores a new course configuration. The name is cleaned of
// surrounding quotes but keeps its case for display; role and category
// ids must be positive; names must be unique under normalization.
func (r *CourseRegistry) AddCourse(
	ctx context.Context,
	name string,
	roleID int64,
	categoryID int64,
	channels []string,
	welcomeMessage string,
) error {
	cleanName := strings.TrimSpace(strings.Trim(strings.TrimSpace(name), `"'`))
	if cleanName == "" {
		return newError(ErrorKindValidation, "course name cannot be empty")
	}
	if roleID <= 0 || categoryID <= 0 {
		return newError(
			ErrorKindValidation,
			"role ID and category ID must be positive integers",
		)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := normalizeCourseName(cleanName)
	if _, exists := r.courses[key]; exists {
		return fmt.Errorf("%w: %q", ErrCourseExists, cleanName)
	}

	r.courses[key] = &CourseConfig{
		Name:           cleanName,
		RoleID:         roleID,
		CategoryID:     categoryID,
		Channels:       channels,
		WelcomeMessage: welcomeMessage,
	}
	if err := r.save(ctx); err != nil {
		// a failed save must not leave a course that only exists
		// in memory
		delete(r.courses, key)
		return err
	}
	r.logger.InfoContext(
		ctx,
		"course added",
		"course_name", cleanName,
		"normalized_key", key,
		"role_id", roleID,
		"category_id", categoryID,
	)
	return nil
}

// RemoveCourse deletes a course configuration by name (normalized
// lookup).
func (r *CourseRegistry) RemoveCourse(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := normalizeCourseName(name)
	removed, exists := r.courses[key]
	if !exists {
		return fmt.Errorf("%w: %q", ErrCourseNotFound, name)
	}
	delete(r.courses, key)

	if err := r.save(ctx); err != nil {
		r.courses[key] = removed
		return err
	}
	r.logger.InfoContext(
		ctx,
		"course removed",
		courseLogAttrs(*removed)...,
	)
	return nil
}

// GetCourse returns the course configuration for a name, using
// normalized lookup.
func (r *CourseRegistry) GetCourse(name string) (CourseConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.courses[normalizeCourseName(name)]
	if !ok {
		return CourseConfig{}, false
	}
	return *c, true
}

// Courses returns all course configurations, sorted by display name.
func (r *CourseRegistry) Courses() []CourseConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]CourseConfig, 0, len(r.courses))
	for _, c := range r.courses {
		result = append(result, *c)
	}
	sort.Slice(
		result, func(i, j int) bool {
			return result[i].Name < result[j].Name
		},
	)
	return result
}

// CourseCount returns the number of configured courses.
func (r *CourseRegistry) CourseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.courses)
}

var rosterRequiredColumns = []string{"email", "name", "discord_handle", "course_name"}

// LoadRoster parses a roster CSV and replaces the in-memory roster.
// Unlike homework rows, any invalid row is a hard failure for the whole
// upload: the course linkage is load-bearing for role assignment, and
// silently dropping a row would silently fail to enroll a real student.
func (r *CourseRegistry) LoadRoster(ctx context.Context, csvContent string) (int, error) {
	rows, header, err := readCSV(csvContent)
	if err != nil {
		return 0, err
	}
	if missing := missingColumns(header, rosterRequiredColumns); len(missing) > 0 {
		return 0, newError(
			ErrorKindValidation,
			fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", ")),
		)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	students := make([]*StudentRecord, 0, len(rows))
	for i, row := range rows {
		rowNum := i + 2

		for _, col := range rosterRequiredColumns {
			if strings.TrimSpace(row[col]) == "" {
				return 0, newError(
					ErrorKindValidation,
					fmt.Sprintf("row %d: %s cannot be empty", rowNum, col),
				)
			}
		}

		courseName := strings.TrimSpace(row["course_name"])
		if _, ok := r.courses[normalizeCourseName(courseName)]; !ok {
			return 0, newError(
				ErrorKindValidation,
				fmt.Sprintf(
					"row %d: course %q not configured, add it first",
					rowNum, courseName,
				),
			)
		}

		status := StudentStatus(strings.TrimSpace(row["status"]))
		if status == "" {
			status = StudentStatusPending
		}
		students = append(
			students, &StudentRecord{
				Email:         strings.TrimSpace(row["email"]),
				Name:          strings.TrimSpace(row["name"]),
				DiscordHandle: normalizeHandle(row["discord_handle"]),
				CourseName:    courseName,
				EnrolledDate:  strings.TrimSpace(row["enrolled_date"]),
				Status:        status,
			},
		)
	}

	// each successful load fully replaces the roster
	r.students = students
	r.rebuildHandleIndex()

	r.logger.InfoContext(
		ctx,
		"roster loaded",
		"student_count", len(students),
	)
	return len(students), nil
}

// rebuildHandleIndex indexes every student by full normalized handle
// and, for legacy username#discriminator handles, by the prefix before
// the separator, tolerating the platform username-format migration.
// Callers must hold r.mu.
func (r *CourseRegistry) rebuildHandleIndex() {
	r.handleIndex = make(map[string]*StudentRecord, len(r.students)*2)
	for _, s := range r.students {
		r.handleIndex[s.DiscordHandle] = s
		if username, _, found := strings.Cut(s.DiscordHandle, "#"); found {
			r.handleIndex[username] = s
		}
	}
}

// FindStudentByHandle returns the roster entry matching a normalized
// handle exactly. No fuzzy matching.
func (r *CourseRegistry) FindStudentByHandle(handle string) (StudentRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.handleIndex[normalizeHandle(handle)]
	if !ok {
		return StudentRecord{}, false
	}
	return *s, true
}

// CourseStudents returns all roster entries for a course.
func (r *CourseRegistry) CourseStudents(courseName string) []StudentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := normalizeCourseName(courseName)
	var result []StudentRecord
	for _, s := range r.students {
		if normalizeCourseName(s.CourseName) == key {
			result = append(result, *s)
		}
	}
	return result
}

// Students returns the full roster.
func (r *CourseRegistry) Students() []StudentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]StudentRecord, 0, len(r.students))
	for _, s := range r.students {
		result = append(result, *s)
	}
	return result
}

// MarkStudentEnrolled records a matched platform user id for the
// student with the given handle, flipping pending entries to enrolled.
// Returns false if no roster entry matches.
func (r *CourseRegistry) MarkStudentEnrolled(
	ctx context.Context,
	handle string,
	discordID int64,
) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.handleIndex[normalizeHandle(handle)]
	if !ok {
		return false
	}
	s.DiscordID = discordID
	if s.Status == StudentStatusPending {
		s.Status = StudentStatusEnrolled
	}
	r.logger.InfoContext(
		ctx,
		"student enrolled",
		"discord_handle", s.DiscordHandle,
		"discord_id", discordID,
		"course_name", s.CourseName,
	)
	return true
}

// PendingStudents returns students not yet matched to a member.
func (r *CourseRegistry) PendingStudents() []StudentRecord {
	return r.studentsWithStatus(StudentStatusPending)
}

// EnrolledStudents returns students already granted their course role.
func (r *CourseRegistry) EnrolledStudents() []StudentRecord {
	return r.studentsWithStatus(StudentStatusEnrolled)
}

func (r *CourseRegistry) studentsWithStatus(status StudentStatus) []StudentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []StudentRecord
	for _, s := range r.students {
		if s.Status == status {
			result = append(result, *s)
		}
	}
	return result
}
