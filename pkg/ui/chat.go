// Package ui is a small terminal chat client driving the sync engine. It
// renders messages and block type tags only; block payloads stay opaque.
package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/engine"
	"github.com/go-go-golems/marionette/pkg/model"
	"github.com/go-go-golems/marionette/pkg/submit"
)

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	tentativeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	blockStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

type refreshMsg struct{ convID int64 }

type failureMsg struct {
	draft string
	err   error
}

// Session ties an engine to one terminal chat program.
type Session struct {
	eng     *engine.Engine
	convID  int64
	program *tea.Program
}

func NewSession() *Session {
	return &Session{}
}

// SubmitCallbacks returns the callbacks the engine should be built with so
// submission outcomes reach the UI.
func (s *Session) SubmitCallbacks() submit.Callbacks {
	return submit.Callbacks{
		OnConfirmed: func(convID int64, _ model.Message, _ string) {
			s.send(refreshMsg{convID: convID})
		},
		OnFailure: func(_ int64, draft string, err error) {
			s.send(failureMsg{draft: draft, err: err})
		},
	}
}

// Bind attaches the engine and conversation before Run.
func (s *Session) Bind(eng *engine.Engine, convID int64) {
	s.eng = eng
	s.convID = convID
}

// Run blocks until the user quits.
func (s *Session) Run(ctx context.Context) error {
	if s.eng == nil {
		return errors.New("ui: session not bound")
	}
	m := newChatModel(ctx, s.eng, s.convID)
	s.program = tea.NewProgram(m, tea.WithAltScreen())
	unsub := s.eng.SubscribeStore(func(convID int64) {
		s.send(refreshMsg{convID: convID})
	})
	defer unsub()
	_, err := s.program.Run()
	return errors.Wrap(err, "ui: run")
}

func (s *Session) send(msg tea.Msg) {
	if s.program != nil {
		s.program.Send(msg)
	}
}

type chatModel struct {
	ctx    context.Context
	eng    *engine.Engine
	convID int64

	viewport viewport.Model
	input    textinput.Model
	status   string
	ready    bool
	width    int
	height   int
}

func newChatModel(ctx context.Context, eng *engine.Engine, convID int64) chatModel {
	input := textinput.New()
	input.Placeholder = "Type a message..."
	input.Focus()
	return chatModel{
		ctx:    ctx,
		eng:    eng,
		convID: convID,
		input:  input,
	}
}

func (m chatModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := msg.Height - 4
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = vpHeight
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			if m.eng.Submit(m.ctx, m.convID, text) {
				m.input.SetValue("")
				m.status = ""
			} else {
				m.status = statusStyle.Render("waiting for a response...")
			}
			m.refresh()
			return m, nil
		}

	case refreshMsg:
		if msg.convID == m.convID {
			m.refresh()
		}
		return m, nil

	case failureMsg:
		// The draft comes back so the user can edit and retry.
		m.input.SetValue(msg.draft)
		m.status = errorStyle.Render("send failed: " + msg.err.Error())
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *chatModel) refresh() {
	if !m.ready {
		return
	}
	msgs, err := m.eng.Messages(m.ctx, m.convID)
	if err != nil {
		m.viewport.SetContent(errorStyle.Render(err.Error()))
		return
	}
	var b strings.Builder
	for _, msg := range msgs {
		b.WriteString(renderMessage(msg))
		b.WriteString("\n")
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m chatModel) View() string {
	if !m.ready {
		return "loading..."
	}
	indicator := ""
	if m.eng.Waiting(m.convID) {
		indicator = statusStyle.Render(" [awaiting reply]")
	}
	header := fmt.Sprintf("conversation %d%s", m.convID, indicator)
	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		m.input.View(),
		m.status,
	)
}

func renderMessage(msg model.Message) string {
	prefix := userStyle.Render("you")
	if msg.Role == model.RoleAssistant {
		prefix = assistantStyle.Render("assistant")
	}
	line := prefix + ": " + msg.Content
	if msg.Tentative() {
		line = tentativeStyle.Render(line + " (sending...)")
	}
	for _, block := range msg.Blocks {
		line += "\n  " + blockStyle.Render("["+block.Type+"]")
	}
	return line
}
