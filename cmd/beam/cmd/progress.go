package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/udisondev/beam/transfer"
)

const (
	progressPadding  = 2
	progressMaxWidth = 60
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	helpStyle = lipgloss.NewStyle().Faint(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")).
			Bold(true)
)

var cancelKey = key.NewBinding(key.WithKeys("ctrl+c", "q", "esc"))

type progressMsg transfer.Progress

type progressDoneMsg struct{}

// progressModel renders a single transfer.
type progressModel struct {
	title    string
	bar      progress.Model
	updates  <-chan transfer.Progress
	latest   transfer.Progress
	start    time.Time
	cancel   context.CancelFunc
	canceled bool
}

func newProgressModel(title string, total int64, updates <-chan transfer.Progress, cancel context.CancelFunc) *progressModel {
	return &progressModel{
		title:   title,
		bar:     progress.New(progress.WithDefaultGradient()),
		updates: updates,
		latest:  transfer.Progress{Total: total},
		start:   time.Now(),
		cancel:  cancel,
	}
}

func (m *progressModel) Init() tea.Cmd {
	return m.waitForProgress
}

// waitForProgress reads the next event; a closed channel ends the UI.
func (m *progressModel) waitForProgress() tea.Msg {
	p, ok := <-m.updates
	if !ok {
		return progressDoneMsg{}
	}
	return progressMsg(p)
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.bar.Width = min(msg.Width-progressPadding*2-4, progressMaxWidth)

	case tea.KeyMsg:
		if key.Matches(msg, cancelKey) {
			m.canceled = true
			m.cancel()
			return m, tea.Quit
		}

	case progressMsg:
		m.latest = transfer.Progress(msg)
		return m, m.waitForProgress

	case progressDoneMsg:
		return m, tea.Quit
	}

	return m, nil
}

func (m *progressModel) View() string {
	pad := strings.Repeat(" ", progressPadding)

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(titleStyle.Render(strings.TrimSpace(m.title + " " + m.latest.Name)))
	b.WriteString("\n\n")
	b.WriteString(pad + m.bar.ViewAs(ratio(m.latest)))
	b.WriteString("\n\n")
	b.WriteString(pad + statsStyle.Render(transferStats(m.latest, time.Since(m.start))))
	b.WriteString("\n\n")
	b.WriteString(pad + helpStyle.Render("q/Esc: cancel"))
	b.WriteString("\n")
	return b.String()
}

func ratio(p transfer.Progress) float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Done) / float64(p.Total)
}

// transferStats renders "3.2 MB / 10.0 MB • 1.1 MB/s".
func transferStats(p transfer.Progress, elapsed time.Duration) string {
	stats := humanSize(p.Done) + " / " + humanSize(p.Total)
	if secs := elapsed.Seconds(); secs > 0 && p.Done > 0 {
		stats += " • " + humanSize(int64(float64(p.Done)/secs)) + "/s"
	}
	return stats
}

func humanSize(size int64) string {
	switch {
	case size < 1024:
		return fmt.Sprintf("%d B", size)
	case size < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	case size < 1024*1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	default:
		return fmt.Sprintf("%.1f GB", float64(size)/(1024*1024*1024))
	}
}

type transferFunc func(progress chan<- transfer.Progress) (transfer.Result, error)

// runTransfer runs fn and shows its progress, as a bar or, when plain is set,
// as percentage lines on out. The display starts once started is closed, so
// fn can prompt on the terminal first. A nil started starts it immediately.
func runTransfer(ctx context.Context, plain bool, out io.Writer, title string, total int64, started <-chan struct{}, fn transferFunc) (transfer.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan transfer.Progress, 64)
	type outcome struct {
		res transfer.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := fn(updates)
		close(updates)
		done <- outcome{res, err}
	}()

	if started != nil {
		select {
		case <-started:
		case o := <-done:
			return o.res, o.err
		}
	}

	if plain {
		printProgress(out, title, updates)
	} else {
		model := newProgressModel(title, total, updates, cancel)
		if _, err := tea.NewProgram(model, tea.WithOutput(out), tea.WithContext(ctx)).Run(); err != nil && !model.canceled {
			cancel()
			if o := <-done; o.err != nil {
				return o.res, o.err
			}
			return transfer.Result{}, fmt.Errorf("progress UI: %w", err)
		}
	}

	o := <-done
	return o.res, o.err
}

// printProgress writes a line at every ten percent until updates is closed.
func printProgress(out io.Writer, title string, updates <-chan transfer.Progress) {
	next := 0
	for p := range updates {
		if next == 0 {
			fmt.Fprintln(out, title+" "+p.Name)
		}
		pct := int(ratio(p) * 100)
		if pct < next {
			continue
		}
		fmt.Fprintf(out, "  %3d%%  %s\n", pct, humanSize(p.Done))
		next = pct/10*10 + 10
	}
}

func successLine(format string, args ...any) string {
	return successStyle.Render("✓ " + fmt.Sprintf(format, args...))
}
