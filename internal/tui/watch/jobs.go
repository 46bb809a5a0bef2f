package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/promptgate/promptgate/internal/events"
)

// JobState tracks one dispatch from admission to its terminal event.
type JobState struct {
	JobID     string
	SessionID string
	Model     string
	Status    string
	Started   time.Time
	Finished  time.Time
}

// updateJobState folds a gateway event into the job table.
func updateJobState(jobs map[string]*JobState, e events.Event) {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	jobID, _ := data["job_id"].(string)
	if jobID == "" {
		return
	}

	job, ok := jobs[jobID]
	if !ok {
		job = &JobState{JobID: jobID, Started: e.At}
		jobs[jobID] = job
	}
	if sessionID, ok := data["session_id"].(string); ok {
		job.SessionID = sessionID
	}
	if model, ok := data["model"].(string); ok {
		job.Model = model
	}

	switch e.Type {
	case events.TypeJobAdmitted:
		job.Status = "running"
		job.Started = e.At
	case events.TypeJobCompleted:
		job.Status = "completed"
		job.Finished = e.At
	case events.TypeJobFailed:
		job.Status = "failed"
		job.Finished = e.At
	case events.TypeJobTimedOut:
		job.Status = "timed_out"
		job.Finished = e.At
	}
}

// renderJobs shows in-flight jobs first, then the most recent finished ones.
func renderJobs(jobs map[string]*JobState, selected int, theme Theme, width int) string {
	innerWidth := width - 4

	if len(jobs) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("JOBS"),
			theme.Dim.Render("  No jobs observed yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	ordered := make([]*JobState, 0, len(jobs))
	for _, j := range jobs {
		ordered = append(ordered, j)
	}
	sort.Slice(ordered, func(i, k int) bool {
		ri, rk := ordered[i].Status == "running", ordered[k].Status == "running"
		if ri != rk {
			return ri
		}
		return ordered[i].Started.After(ordered[k].Started)
	})
	if len(ordered) > 8 {
		ordered = ordered[:8]
	}

	var lines []string
	for i, j := range ordered {
		lines = append(lines, formatJob(j, i == selected, theme))
	}

	jobsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("JOBS"),
		jobsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatJob(j *JobState, selected bool, theme Theme) string {
	var statusStyle lipgloss.Style
	switch j.Status {
	case "running":
		statusStyle = theme.StatusRunning
	case "completed":
		statusStyle = theme.StatusOK
	case "failed", "timed_out":
		statusStyle = theme.StatusFailed
	default:
		statusStyle = theme.StatusQueued
	}

	jobID := j.JobID
	if len(jobID) > 8 {
		jobID = jobID[:8]
	}

	var elapsed time.Duration
	if j.Finished.IsZero() {
		elapsed = time.Since(j.Started)
	} else {
		elapsed = j.Finished.Sub(j.Started)
	}

	line := fmt.Sprintf("[%s] %-10s %-20s %s",
		jobID,
		statusStyle.Render(j.Status),
		j.SessionID,
		theme.Dim.Render(elapsed.Round(time.Second).String()),
	)
	if selected {
		return theme.Highlight.Render("> ") + line
	}
	return "  " + line
}
