package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/cjeanneret/ProxGo/internal/client"
)

const maxEventLines = 8

var pollInterval time.Duration

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live view of position, speed and button events",
	Long: `Poll the proxy and show where it is.

The position bar spans the calibrated range. Button events pushed by the
proxy are listed as they arrive. Press 'c' to start a calibration run,
'p' to save power and 'q' to quit.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().DurationVarP(&pollInterval, "interval", "i", 250*time.Millisecond, "poll interval")
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if pollInterval <= 0 {
		return fmt.Errorf("--interval must be positive, got %s", pollInterval)
	}
	dialCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
	c, info, err := connect(dialCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()

	p := tea.NewProgram(newMonitorModel(c, info), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	_, err = p.Run()
	return err
}

// prober is the part of the client the monitor polls.
type prober interface {
	Position(ctx context.Context) (float64, error)
	TargetReached(ctx context.Context) (bool, error)
	Speed(ctx context.Context) (int, error)
	Recalibrate(ctx context.Context) error
	SavePower(ctx context.Context) error
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type monitorTickMsg time.Time

type pollMsg struct {
	position float64
	reached  bool
	speed    int
	err      error
}

type eventMsg client.Event

type eventsClosedMsg struct{}

type actionMsg struct {
	what string
	err  error
}

//////////////////////////////////////////////////////////////
// Model
//////////////////////////////////////////////////////////////

type monitorModel struct {
	proxy    prober
	events   <-chan client.Event
	connInfo string
	timeout  time.Duration
	interval time.Duration

	bar      progress.Model
	position float64
	reached  bool
	speed    int
	polled   bool
	lastErr  error
	status   string
	log      []string
	lost     bool
	width    int
	quitting bool
}

func newMonitorModel(c *client.Client, info string) monitorModel {
	return monitorModel{
		proxy:    c,
		events:   c.Events(),
		connInfo: info,
		timeout:  timeout,
		interval: pollInterval,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		width:    80,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(m.poll(), waitEvent(m.events))
}

func (m monitorModel) poll() tea.Cmd {
	proxy, d := m.proxy, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), d)
		defer cancel()
		var msg pollMsg
		if msg.position, msg.err = proxy.Position(ctx); msg.err != nil {
			return msg
		}
		if msg.reached, msg.err = proxy.TargetReached(ctx); msg.err != nil {
			return msg
		}
		msg.speed, msg.err = proxy.Speed(ctx)
		return msg
	}
}

func (m monitorModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func waitEvent(events <-chan client.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m monitorModel) action(what string, fn func(ctx context.Context) error) tea.Cmd {
	d := m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), d)
		defer cancel()
		return actionMsg{what: what, err: fn(ctx)}
	}
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "c":
			if !m.lost {
				return m, m.action("calibration", m.proxy.Recalibrate)
			}
		case "p":
			if !m.lost {
				return m, m.action("save power", m.proxy.SavePower)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(10, msg.Width-20)

	case monitorTickMsg:
		if m.lost {
			return m, nil
		}
		return m, m.poll()

	case pollMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.position, m.reached, m.speed = msg.position, msg.reached, msg.speed
			m.polled = true
		}
		return m, m.tick()

	case eventMsg:
		m.appendLog(fmt.Sprintf("%s  button %s at %.3f",
			msg.At.Format("15:04:05.000"), msg.Button, msg.Position))
		return m, waitEvent(m.events)

	case eventsClosedMsg:
		m.lost = true
		m.appendLog("connection lost")

	case actionMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("%s failed: %v", msg.what, msg.err)
		} else {
			m.status = msg.what + " OK"
		}
	}
	return m, nil
}

func (m *monitorModel) appendLog(line string) {
	m.log = append(m.log, line)
	if len(m.log) > maxEventLines {
		m.log = m.log[len(m.log)-maxEventLines:]
	}
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Bye.\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("PROXGO MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | c: calibrate  p: save power  q: quit", m.connInfo)))
	s.WriteString("\n\n")

	var panel strings.Builder
	switch {
	case m.lost:
		panel.WriteString(errorStyle.Render("Connection lost"))
	case !m.polled:
		panel.WriteString(headerStyle.Render("Waiting for the proxy..."))
	default:
		state := "moving"
		if m.reached {
			state = "target reached"
		}
		panel.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n\n",
			labelStyle.Render("Position:"), valueStyle.Render(fmt.Sprintf("%.4f", m.position)),
			labelStyle.Render("Speed:"), valueStyle.Render(fmt.Sprintf("%d steps/s", m.speed)),
			labelStyle.Render("State:"), valueStyle.Render(state),
		))
		panel.WriteString(m.bar.ViewAs(m.position))
	}
	if m.lastErr != nil && !m.lost {
		panel.WriteString("\n")
		panel.WriteString(errorStyle.Render(m.lastErr.Error()))
	}
	s.WriteString(boxStyle.Render(panel.String()))
	s.WriteString("\n\n")

	s.WriteString(labelStyle.Render("Events"))
	s.WriteString("\n")
	if len(m.log) == 0 {
		s.WriteString(headerStyle.Render("  none yet"))
		s.WriteString("\n")
	}
	for _, line := range m.log {
		s.WriteString("  " + line + "\n")
	}
	if m.status != "" {
		s.WriteString("\n")
		s.WriteString(headerStyle.Render(m.status))
		s.WriteString("\n")
	}
	return s.String()
}
