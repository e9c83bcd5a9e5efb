package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var errPickerCanceled = errors.New("no file selected")

type pickerKeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Open   key.Binding
	Parent key.Binding
	Home   key.Binding
	Cancel key.Binding
}

var pickerKeys = pickerKeyMap{
	Up:     key.NewBinding(key.WithKeys("up", "k")),
	Down:   key.NewBinding(key.WithKeys("down", "j")),
	Open:   key.NewBinding(key.WithKeys("enter")),
	Parent: key.NewBinding(key.WithKeys("backspace", "h")),
	Home:   key.NewBinding(key.WithKeys("g")),
	Cancel: key.NewBinding(key.WithKeys("esc", "ctrl+c", "q")),
}

var (
	dirStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00BFFF")).
			Bold(true)

	fileStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#7D56F4")).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 1)

	faintStyle = lipgloss.NewStyle().Faint(true)
)

// pickerModel is a file browser that ends with one chosen file.
type pickerModel struct {
	currentDir string
	entries    []fs.DirEntry
	selected   int
	height     int
	err        error

	chosen   string
	canceled bool
}

func newPickerModel(startDir string) *pickerModel {
	if startDir == "" {
		startDir, _ = os.Getwd()
	}
	m := &pickerModel{currentDir: startDir}
	m.loadDirectory()
	return m
}

// loadDirectory reads the current directory, directories first.
func (m *pickerModel) loadDirectory() {
	entries, err := os.ReadDir(m.currentDir)
	m.err = err
	if err != nil {
		entries = nil
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	m.entries = entries
	m.selected = max(0, min(m.selected, len(m.entries)-1))
}

func (m *pickerModel) enter(dir string) {
	m.currentDir = dir
	m.selected = 0
	m.loadDirectory()
}

func (m *pickerModel) Init() tea.Cmd {
	return nil
}

func (m *pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.height = msg.Height

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, pickerKeys.Cancel):
			m.canceled = true
			return m, tea.Quit

		case key.Matches(msg, pickerKeys.Up):
			if m.selected > 0 {
				m.selected--
			}

		case key.Matches(msg, pickerKeys.Down):
			if m.selected < len(m.entries)-1 {
				m.selected++
			}

		case key.Matches(msg, pickerKeys.Open):
			if len(m.entries) == 0 {
				break
			}
			entry := m.entries[m.selected]
			path := filepath.Join(m.currentDir, entry.Name())
			if entry.IsDir() {
				m.enter(path)
				break
			}
			m.chosen = path
			return m, tea.Quit

		case key.Matches(msg, pickerKeys.Parent):
			if parent := filepath.Dir(m.currentDir); parent != m.currentDir {
				m.enter(parent)
			}

		case key.Matches(msg, pickerKeys.Home):
			if home, err := os.UserHomeDir(); err == nil {
				m.enter(home)
			}
		}
	}

	return m, nil
}

func (m *pickerModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("📁 Select File to Send"))
	b.WriteString("\n")
	b.WriteString(faintStyle.Render(m.currentDir))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(faintStyle.Render("  cannot read directory: " + m.err.Error()))
		b.WriteString("\n")
	}

	start, end := m.visibleRange()
	if start > 0 {
		b.WriteString(faintStyle.Render(fmt.Sprintf("  ... (%d more above)", start)))
		b.WriteString("\n")
	}

	for i := start; i < end; i++ {
		entry := m.entries[i]

		var line string
		if entry.IsDir() {
			line = dirStyle.Render("📁 " + entry.Name() + "/")
		} else {
			var size string
			if info, err := entry.Info(); err == nil {
				size = " (" + humanSize(info.Size()) + ")"
			}
			line = fileStyle.Render("📄 " + entry.Name() + size)
		}

		if i == m.selected {
			line = selectedStyle.Render(line)
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if end < len(m.entries) {
		b.WriteString(faintStyle.Render(fmt.Sprintf("  ... (%d more below)", len(m.entries)-end)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓: navigate • Enter: select/open • Backspace: parent dir • g: home • Esc: cancel"))
	return b.String()
}

// visibleRange keeps the selection centered when the list is taller than
// the terminal.
func (m *pickerModel) visibleRange() (int, int) {
	maxVisible := max(m.height-8, 5)
	if len(m.entries) <= maxVisible {
		return 0, len(m.entries)
	}

	start := max(m.selected-maxVisible/2, 0)
	end := start + maxVisible
	if end > len(m.entries) {
		end = len(m.entries)
		start = end - maxVisible
	}
	return start, end
}

// pickFile runs the browser and returns the chosen path.
func pickFile(startDir string) (string, error) {
	m := newPickerModel(startDir)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		return "", fmt.Errorf("file picker: %w", err)
	}
	if m.canceled || m.chosen == "" {
		return "", errPickerCanceled
	}
	return m.chosen, nil
}
