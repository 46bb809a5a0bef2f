// Package tui implements the promptgate job history browser: a table of
// recorded dispatches with a read-back pane showing the selected session's
// log tail.
package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

type jobRow struct {
	ID         string `json:"job_id"`
	SessionID  string `json:"session_id"`
	Model      string `json:"model"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	CreatedAt  string `json:"created_at"`
}

type jobListMsg struct {
	Jobs []jobRow `json:"jobs"`
}

type sessionTailMsg struct {
	SessionID string `json:"session_id"`
	Tail      string `json:"tail"`
	TailLines int    `json:"tail_lines"`
	LogDigest string `json:"log_digest"`
}

type errMsg error

// Model is the BubbleTea model for the history browser.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	jobs     []jobRow
	jobTable table.Model
	viewport viewport.Model
	viewing  string

	lastError string
}

// NewBrowser creates the history browser model.
func NewBrowser(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Session", Width: 24},
			{Title: "Model", Width: 14},
			{Title: "Attempts", Width: 8},
			{Title: "Duration", Width: 10},
			{Title: "When", Width: 19},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:   apiURL,
		apiKey:   apiKey,
		jobTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchJobs(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "enter":
			if row := m.jobTable.SelectedRow(); row != nil {
				return m, m.fetchSessionTail(row[1])
			}
		case "r":
			return m, m.fetchJobs()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.jobTable.SetWidth(m.width - 6)
		m.viewport.Width = m.width - 6
		m.viewport.Height = m.height / 3

	case jobListMsg:
		m.jobs = msg.Jobs
		m.updateTable()
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return m.pollJobs()
		})

	case sessionTailMsg:
		m.viewing = msg.SessionID
		m.viewport.SetContent(msg.Tail)
		m.viewport.GotoBottom()
		m.lastError = ""

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return m.pollJobs()
		})
	}

	m.jobTable, cmd = m.jobTable.Update(msg)
	return m, cmd
}

func (m *Model) updateTable() {
	var rows []table.Row
	for _, j := range m.jobs {
		statusSym := "○"
		switch j.Status {
		case "succeeded":
			statusSym = statusOK.Render("●")
		case "failed":
			statusSym = statusFailed.Render("∅")
		case "timed_out":
			statusSym = statusFailed.Render("◑")
		}

		when := j.CreatedAt
		if t, err := time.Parse(time.RFC3339, j.CreatedAt); err == nil {
			when = t.Local().Format("2006-01-02 15:04:05")
		}

		rows = append(rows, table.Row{
			statusSym,
			j.SessionID,
			j.Model,
			fmt.Sprintf("%d", j.Attempts),
			(time.Duration(j.DurationMs) * time.Millisecond).String(),
			when,
		})
	}
	m.jobTable.SetRows(rows)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	jobsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Job History"),
			m.jobTable.View(),
		),
	)

	tailTitle := "Session Tail"
	if m.viewing != "" {
		tailTitle = "Session Tail: " + m.viewing
	}
	tailView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render(tailTitle),
			m.viewport.View(),
		),
	)

	var errBar string
	if m.lastError != "" {
		errBar = statusFailed.Render(" ⚠ " + m.lastError)
	}

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select • [enter] Load Tail • [r] Refresh")

	parts := []string{jobsView, tailView}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

// --- Commands ---

func (m Model) fetchJobs() tea.Cmd {
	return func() tea.Msg {
		return m.pollJobs()
	}
}

func (m Model) pollJobs() tea.Msg {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest("GET", m.apiURL+"/jobs", nil)
	if err != nil {
		return errMsg(err)
	}
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errMsg(fmt.Errorf("jobs query returned %s", resp.Status))
	}

	var list jobListMsg
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return errMsg(err)
	}
	return list
}

func (m Model) fetchSessionTail(sessionID string) tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(m.apiURL + "/sessions/" + sessionID)
		if err != nil {
			return errMsg(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("session query returned %s", resp.Status))
		}

		var detail sessionTailMsg
		if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
			return errMsg(err)
		}
		return detail
	}
}
