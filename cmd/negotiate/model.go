package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	appnegotiation "gigdeal/internal/app/negotiation"
	"gigdeal/internal/domain/negotiation"
)

// negotiator is the slice of the controller the UI drives.
type negotiator interface {
	Start(ctx context.Context) error
	Retry(ctx context.Context) error
	Refresh(ctx context.Context) error
	SubmitProposal(ctx context.Context, price float64) error
	ApproveLatest(ctx context.Context) error
	State() appnegotiation.State
	Conversation() (negotiation.Conversation, bool)
	CanApprove() bool
	LocalRole() negotiation.Role
}

type focuser interface {
	Focus(ctx context.Context) error
}

// Controller callbacks are forwarded into the program as messages.
type (
	proposalsMsg []negotiation.Proposal
	approvalsMsg struct{ host, artist bool }
	finalizedMsg float64
	failedMsg    struct {
		kind negotiation.ErrorKind
		err  error
	}
	stateMsg  appnegotiation.State
	actionMsg struct {
		action string
		err    error
	}
)

// channelListener sends controller callbacks to the UI until done is closed.
type channelListener struct {
	out  chan<- tea.Msg
	done <-chan struct{}
}

func (l channelListener) send(msg tea.Msg) {
	select {
	case l.out <- msg:
	case <-l.done:
	}
}

func (l channelListener) ProposalsChanged(messages []negotiation.Proposal) {
	l.send(proposalsMsg(messages))
}

func (l channelListener) ApprovalsChanged(host, artist bool) {
	l.send(approvalsMsg{host: host, artist: artist})
}

func (l channelListener) Finalized(price float64) { l.send(finalizedMsg(price)) }

func (l channelListener) Failed(kind negotiation.ErrorKind, err error) {
	l.send(failedMsg{kind: kind, err: err})
}

func (l channelListener) StateChanged(state appnegotiation.State) { l.send(stateMsg(state)) }

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#01cdfe"))
	ownStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))
	otherStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff71ce"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3d8"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5f5f")).Bold(true)
	dealStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ffd166"))
	panelStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).Padding(0, 1)
	helpBindings = "enter propose · ctrl+a approve · ctrl+r retry/refresh · esc quit"
)

type model struct {
	ctx    context.Context
	ctrl   negotiator
	reads  focuser
	events <-chan tea.Msg

	input     textinput.Model
	messages  []negotiation.Proposal
	host      bool
	artist    bool
	state     appnegotiation.State
	finalized *float64
	status    string
	failure   string
}

func newModel(ctx context.Context, ctrl negotiator, reads focuser, events <-chan tea.Msg) model {
	input := textinput.New()
	input.Prompt = "price ❯ "
	input.Placeholder = "e.g. 4500"
	input.CharLimit = 16
	input.Focus()
	return model{
		ctx:    ctx,
		ctrl:   ctrl,
		reads:  reads,
		events: events,
		input:  input,
		state:  appnegotiation.StateUninitialized,
		status: "connecting...",
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.run("start", m.ctrl.Start), m.waitEvent())
}

func (m model) waitEvent() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		return <-events
	}
}

func (m model) run(action string, fn func(ctx context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return actionMsg{action: action, err: fn(ctx)}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.FocusMsg:
		if m.reads == nil {
			return m, nil
		}
		return m, m.run("focus", m.reads.Focus)
	case proposalsMsg:
		m.messages = msg
		return m, m.waitEvent()
	case approvalsMsg:
		m.host, m.artist = msg.host, msg.artist
		return m, m.waitEvent()
	case finalizedMsg:
		price := float64(msg)
		m.finalized = &price
		m.status = "deal agreed"
		return m, m.waitEvent()
	case failedMsg:
		m.failure = fmt.Sprintf("%s: %v", msg.kind, msg.err)
		return m, m.waitEvent()
	case stateMsg:
		m.state = appnegotiation.State(msg)
		return m, m.waitEvent()
	case actionMsg:
		switch {
		case msg.err != nil && msg.action != "focus":
			m.status = msg.action + " failed"
		case msg.err == nil && msg.action != "focus":
			m.status = msg.action + " ok"
			m.failure = ""
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return m, tea.Quit
	case tea.KeyEnter:
		raw := m.input.Value()
		price, err := negotiation.ParsePrice(raw)
		if err != nil {
			m.failure = err.Error()
			return m, nil
		}
		m.input.SetValue("")
		m.status = "sending proposal..."
		return m, m.run("propose", func(ctx context.Context) error {
			return m.ctrl.SubmitProposal(ctx, price)
		})
	case tea.KeyCtrlA:
		if !m.ctrl.CanApprove() {
			m.status = "nothing to approve yet"
			return m, nil
		}
		m.status = "approving..."
		return m, m.run("approve", m.ctrl.ApproveLatest)
	case tea.KeyCtrlR:
		if m.ctrl.State() == appnegotiation.StateErrored {
			m.status = "retrying..."
			return m, m.run("retry", m.ctrl.Retry)
		}
		m.status = "refreshing..."
		return m, m.run("refresh", m.ctrl.Refresh)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) View() string {
	var b strings.Builder
	role := m.ctrl.LocalRole()
	b.WriteString(titleStyle.Render(fmt.Sprintf("negotiating as %s", role)))
	b.WriteString("  " + mutedStyle.Render(string(m.state)) + "\n")

	var history strings.Builder
	if len(m.messages) == 0 {
		history.WriteString(mutedStyle.Render("no proposals yet"))
	}
	latest, _ := negotiation.Conversation{Messages: m.messages}.Latest()
	for i, p := range m.messages {
		style := otherStyle
		if p.ProposerRole == role {
			style = ownStyle
		}
		marker := "  "
		if p.ID == latest.ID {
			marker = "▸ "
		}
		line := fmt.Sprintf("%s%-6s %10.2f  %s", marker, p.ProposerRole, p.Price, p.CreatedAt.Local().Format("15:04:05"))
		history.WriteString(style.Render(line))
		if i < len(m.messages)-1 {
			history.WriteString("\n")
		}
	}
	b.WriteString(panelStyle.Render(history.String()) + "\n")

	b.WriteString(fmt.Sprintf("host approved: %s   artist approved: %s\n", yesNo(m.host), yesNo(m.artist)))
	if m.finalized != nil {
		b.WriteString(dealStyle.Render(fmt.Sprintf("agreed price: %.2f", *m.finalized)) + "\n")
	} else {
		b.WriteString(m.input.View() + "\n")
	}
	if m.failure != "" {
		b.WriteString(errorStyle.Render(m.failure) + "\n")
	}
	b.WriteString(mutedStyle.Render(m.status) + "\n")
	b.WriteString(mutedStyle.Render(helpBindings))
	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
