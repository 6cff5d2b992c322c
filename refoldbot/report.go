package refoldbot

import (
	"fmt"
	"strings"
	"time"
)

// ScheduleSummary is an operator-facing overview of the homework
// schedule.
type ScheduleSummary struct {
	TotalAssignments int            `json:"total_assignments"`
	ByStatus         map[string]int `json:"by_status"`
	ByCourse         map[string]int `json:"by_course"`
	PendingCount     int            `json:"pending_count"`
	OverdueCount     int            `json:"overdue_count"`
	NextAssignment   *time.Time     `json:"next_assignment,omitempty"`
	SchedulerRunning bool           `json:"scheduler_running"`
}

// BuildScheduleSummary aggregates assignment counts by status and
// course, plus pending/overdue counts relative to now.
func BuildScheduleSummary(
	assignments []Assignment,
	now time.Time,
	schedulerRunning bool,
) ScheduleSummary {
	summary := ScheduleSummary{
		TotalAssignments: len(assignments),
		ByStatus:         map[string]int{},
		ByCourse:         map[string]int{},
		SchedulerRunning: schedulerRunning,
	}
	for _, a := range assignments {
		summary.ByStatus[a.Status.String()]++
		summary.ByCourse[a.CourseName]++

		if a.Status != AssignmentStatusPending {
			continue
		}
		summary.PendingCount++
		if !a.ScheduledAt.After(now) {
			summary.OverdueCount++
		}
		if summary.NextAssignment == nil || a.ScheduledAt.Before(*summary.NextAssignment) {
			scheduledAt := a.ScheduledAt
			summary.NextAssignment = &scheduledAt
		}
	}
	return summary
}

// RosterSummary is an operator-facing overview of the loaded roster.
type RosterSummary struct {
	TotalStudents     int            `json:"total_students"`
	ByStatus          map[string]int `json:"by_status"`
	ByCourse          map[string]int `json:"by_course"`
	ConfiguredCourses int            `json:"configured_courses"`
}

// BuildRosterSummary aggregates roster counts by status and course.
func BuildRosterSummary(students []StudentRecord, configuredCourses int) RosterSummary {
	summary := RosterSummary{
		TotalStudents:     len(students),
		ByStatus:          map[string]int{},
		ByCourse:          map[string]int{},
		ConfiguredCourses: configuredCourses,
	}
	for _, s := range students {
		summary.ByStatus[string(s.Status)]++
		summary.ByCourse[s.CourseName]++
	}
	return summary
}

// GroupActivitiesByTier buckets activities by tier, preserving the
// scanner's within-tier ordering.
func GroupActivitiesByTier(activities []StudentActivity) map[ActivityTier][]StudentActivity {
	grouped := map[ActivityTier][]StudentActivity{}
	for _, a := range activities {
		grouped[a.Tier()] = append(grouped[a.Tier()], a)
	}
	return grouped
}

// FormatScheduledTime renders a stored UTC timestamp in the reference
// timezone for operator display.
func FormatScheduledTime(t time.Time) string {
	return t.In(referenceLocation()).Format("2006-01-02 03:04 PM PT")
}

// FormatActivityReport renders a health check result as a plain-text
// report, one tier section at a time, most at-risk first.
func FormatActivityReport(result *HealthCheckResult) string {
	var b strings.Builder
	fmt.Fprintf(
		&b,
		"Health check: %s (%d students, %d messages scanned)\n",
		result.CourseName,
		len(result.Activities),
		result.MessagesScanned,
	)

	grouped := GroupActivitiesByTier(result.Activities)
	for _, tier := range []ActivityTier{TierAtRisk, TierLowActivity, TierActive} {
		students := grouped[tier]
		if len(students) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s (%d):\n", tier, len(students))
		for _, a := range students {
			lastSeen := "never"
			if a.LastMessageAt != nil {
				lastSeen = FormatScheduledTime(*a.LastMessageAt)
			}
			fmt.Fprintf(
				&b,
				"  %s - %d messages (30d), %d last week, last seen %s\n",
				a.Student.Name,
				a.TotalMessages,
				a.MessagesLastWeek,
				lastSeen,
			)
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Fprintf(&b, "\nWarnings (%d):\n", len(result.Warnings))
		for _, w := range result.Warnings {
			fmt.Fprintf(&b, "  %s\n", w)
		}
	}
	return b.String()
}

// FormatScheduleReport renders assignments as a plain-text listing in
// scheduled order.
func FormatScheduleReport(assignments []Assignment) string {
	if len(assignments) == 0 {
		return "No assignments found.\n"
	}
	var b strings.Builder
	for _, a := range assignments {
		fmt.Fprintf(
			&b,
			"[%s] Day %d: %s (%s) - %s\n",
			a.Status,
			a.CourseDay,
			a.Title,
			a.CourseName,
			FormatScheduledTime(a.ScheduledAt),
		)
		if a.ErrorMessage != "" {
			fmt.Fprintf(&b, "    error: %s\n", a.ErrorMessage)
		}
	}
	return b.String()
}
