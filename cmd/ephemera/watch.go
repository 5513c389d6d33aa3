package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/InsulaLabs/ephemera/client"
	"github.com/InsulaLabs/ephemera/db/models"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

const (
	maxWatchLines = 500
	statsInterval = time.Second
)

// watchLog receives everything the TUI would otherwise print over itself.
var watchLog *log.Logger

func openWatchLog() (*os.File, error) {
	path := filepath.Join(os.TempDir(), "ephemera-watch.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	watchLog = log.NewWithOptions(f, log.Options{
		ReportTimestamp: true,
		Prefix:          "watch",
		Level:           log.DebugLevel,
	})
	return f, nil
}

type (
	eventMsg  models.Event
	statsMsg  *models.Stats
	streamEnd struct{ err error }
	tickMsg   time.Time
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	statStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	topicStyles = map[string]lipgloss.Style{
		models.TopicPayloadStored:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		models.TopicPayloadDestroyed: lipgloss.NewStyle().Foreground(lipgloss.Color("13")),
		models.TopicPayloadExpired:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		models.TopicFragmentExpired:  lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	}
)

type watchModel struct {
	ctx    context.Context
	client *client.Client
	topics []string

	events chan models.Event
	ended  chan error

	viewport viewport.Model
	spinner  spinner.Model
	lines    []string
	stats    *models.Stats
	received int
	err      error
	ready    bool
}

func runWatch(ctx context.Context, c *client.Client, args []string) error {
	for _, topic := range args {
		if !slices.Contains(models.LifecycleTopics, topic) {
			return fmt.Errorf("watch: unknown topic %q (want one of %s)", topic, strings.Join(models.LifecycleTopics, ", "))
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := watchModel{
		ctx:     ctx,
		client:  c,
		topics:  args,
		events:  make(chan models.Event, 64),
		ended:   make(chan error, 1),
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
	}

	go func() {
		err := c.SubscribeEvents(ctx, args, func(e models.Event) {
			select {
			case m.events <- e:
			case <-ctx.Done():
			}
		})
		watchLog.Info("event stream ended", "error", err)
		m.ended <- err
	}()

	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (m watchModel) waitForEvent() tea.Msg {
	select {
	case e := <-m.events:
		return eventMsg(e)
	case err := <-m.ended:
		return streamEnd{err: err}
	}
}

func (m watchModel) fetchStats() tea.Msg {
	ctx, cancel := context.WithTimeout(m.ctx, statsInterval)
	defer cancel()
	stats, err := m.client.Stats(ctx)
	if err != nil {
		watchLog.Warn("stats refresh failed", "error", err)
		return nil
	}
	return statsMsg(stats)
}

func tick() tea.Cmd {
	return tea.Tick(statsInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEvent, m.fetchStats, tick())
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		headerHeight := 3
		if !m.ready {
			m.viewport = viewport.New(msg.Width, max(1, msg.Height-headerHeight))
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = max(1, msg.Height-headerHeight)
		}
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
	case eventMsg:
		m.received++
		m.lines = append(m.lines, renderEvent(models.Event(msg)))
		if len(m.lines) > maxWatchLines {
			m.lines = m.lines[len(m.lines)-maxWatchLines:]
		}
		if m.ready {
			atBottom := m.viewport.AtBottom()
			m.viewport.SetContent(strings.Join(m.lines, "\n"))
			if atBottom {
				m.viewport.GotoBottom()
			}
		}
		return m, m.waitForEvent
	case streamEnd:
		m.err = msg.err
		if m.err == nil {
			m.err = fmt.Errorf("event stream closed by server")
		}
		return m, nil
	case statsMsg:
		m.stats = msg
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.fetchStats, tick())
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m watchModel) View() string {
	if !m.ready {
		return m.spinner.View() + " connecting..."
	}

	status := m.spinner.View() + " listening"
	if m.err != nil {
		status = errStyle.Render("stream ended: " + m.err.Error())
	}
	scope := "all topics"
	if len(m.topics) > 0 {
		scope = strings.Join(m.topics, ",")
	}
	header := titleStyle.Render("ephemera watch") + "  " + dimStyle.Render(scope) + "  " + status

	statsLine := dimStyle.Render("waiting for stats...")
	if s := m.stats; s != nil {
		statsLine = statStyle.Render(fmt.Sprintf(
			"live payloads %d  live fragments %d  stored %d  retrieved %d  expired %d  destroyed %d  events %d",
			s.LivePayloads, s.LiveFragments, s.StoredPayloads, s.RetrievedPayloads,
			s.ExpiredPayloads, s.DestroyedPayloads, m.received))
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, statsLine, "", m.viewport.View())
}

func renderEvent(e models.Event) string {
	style, ok := topicStyles[e.Topic]
	if !ok {
		style = statStyle
	}

	var le models.LifecycleEvent
	if err := json.Unmarshal(e.Data, &le); err != nil {
		watchLog.Warn("undecodable event data", "topic", e.Topic, "error", err)
	}

	var b strings.Builder
	b.WriteString(dimStyle.Render(e.EmittedAt.Local().Format("15:04:05.000")))
	b.WriteString(" ")
	b.WriteString(style.Render(fmt.Sprintf("%-18s", e.Topic)))
	b.WriteString(" ")
	b.WriteString(le.PayloadID)
	if le.FragmentID != "" {
		b.WriteString(dimStyle.Render(fmt.Sprintf(" #%d", le.Index)))
	}
	if le.Reason != "" {
		b.WriteString(dimStyle.Render(" (" + le.Reason + ")"))
	}
	return b.String()
}
