// Package tui is the terminal surface of a watch party session: a lobby to
// host or join a room, then the room with participants, playback and chat.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/adwski/watchparty/backend/playback"
	"github.com/adwski/watchparty/backend/roomcode"
	"github.com/adwski/watchparty/backend/session"
)

const (
	networkTimeout = 15 * time.Second
	chatLines      = 12
)

// Session is the part of session.Session the UI drives.
type Session interface {
	Host(ctx context.Context) (string, error)
	Join(ctx context.Context, code string) error
	LoadSource(mode playback.SourceMode, ref string) error
	Play() error
	Pause() error
	Seek(seconds float64) error
	SendChat(text string) error
	Leave()
	View() session.View
	Updates() <-chan session.Update
}

type Config struct {
	// NewSession is called every time the user hosts or joins, a session is
	// good for one room only.
	NewSession func() (Session, error)
	Title      string
}

type screen int

const (
	screenLobby screen = iota
	screenJoin
	screenRoom
)

// Messages
type (
	updateMsg session.Update

	endedMsg struct{}

	enteredMsg struct {
		sess Session
		code string
		err  error
	}

	resultMsg struct {
		err error
	}
)

type ui struct {
	cfg Config

	screen  screen
	sess    Session
	view    session.View
	input   string
	status  string
	isError bool
	busy    bool
	help    bool

	width  int
	height int
}

func New(cfg Config) tea.Model {
	if cfg.Title == "" {
		cfg.Title = "watchparty"
	}
	return ui{cfg: cfg}
}

// Run owns the terminal until the user quits.
func Run(cfg Config) error {
	p := tea.NewProgram(New(cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m ui) Init() tea.Cmd {
	return tea.SetWindowTitle(m.cfg.Title)
}

func (m ui) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case enteredMsg:
		m.busy = false
		if msg.err != nil {
			m.setError(msg.err.Error())
			if msg.sess != nil {
				if n := msg.sess.View().Notice; n != nil {
					m.setError(n.Text)
				}
			}
			m.sess = nil
			return m, nil
		}
		m.sess = msg.sess
		m.screen = screenRoom
		m.input = ""
		m.view = msg.sess.View()
		if msg.code != "" {
			m.setStatus("room " + msg.code + " is open, share the code")
		} else {
			m.setStatus("joined room " + m.view.Code)
		}
		return m, waitUpdate(msg.sess.Updates())

	case updateMsg:
		if m.sess == nil {
			return m, nil
		}
		m.view = msg.View
		if n := msg.Notice; n != nil {
			if n.Fatal || n.Kind != session.NoticeSource {
				m.status, m.isError = n.Text, n.Fatal
			}
		}
		return m, waitUpdate(m.sess.Updates())

	case endedMsg:
		if m.sess != nil {
			if n := m.sess.View().Notice; n != nil && n.Fatal {
				m.setError(n.Text)
			} else {
				m.setStatus("left the room")
			}
		}
		m.sess = nil
		m.screen = screenLobby
		m.input = ""
		m.view = session.View{}
		return m, nil

	case resultMsg:
		if msg.err != nil {
			m.setError(msg.err.Error())
		}
		return m, nil
	}
	return m, nil
}

func (m ui) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		if m.sess != nil {
			m.sess.Leave()
		}
		return m, tea.Quit
	}

	switch m.screen {
	case screenLobby:
		return m.lobbyKey(msg)
	case screenJoin:
		return m.joinKey(msg)
	default:
		return m.roomKey(msg)
	}
}

func (m ui) lobbyKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.busy {
		return m, nil
	}
	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "h":
		m.busy = true
		m.setStatus("creating a room...")
		return m, m.enter(func(ctx context.Context, s Session) (string, error) {
			return s.Host(ctx)
		})
	case "j":
		m.screen = screenJoin
		m.input = ""
		m.status = ""
	}
	return m, nil
}

func (m ui) joinKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.busy {
		return m, nil
	}
	switch msg.String() {
	case "esc":
		m.screen = screenLobby
		m.input = ""
		return m, nil
	case "enter":
		code, err := roomcode.Parse(m.input)
		if err != nil {
			m.setError("room codes look like ABC-123")
			return m, nil
		}
		m.busy = true
		m.setStatus("joining " + code + "...")
		return m, m.enter(func(ctx context.Context, s Session) (string, error) {
			return "", s.Join(ctx, code)
		})
	}
	m.input = edit(m.input, msg)
	return m, nil
}

func (m ui) roomKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.input = ""
		m.help = false
		return m, nil
	case "enter":
		line := m.input
		m.input = ""
		if line == "" {
			return m, nil
		}
		return m.submit(line)
	}
	m.input = edit(m.input, msg)
	return m, nil
}

func (m ui) submit(line string) (tea.Model, tea.Cmd) {
	act, err := parseLine(line)
	if err != nil {
		m.setError(err.Error())
		return m, nil
	}
	sess := m.sess
	switch act.kind {
	case actionHelp:
		m.help = !m.help
		return m, nil
	case actionLeave:
		m.setStatus("leaving...")
		return m, func() tea.Msg {
			sess.Leave()
			return nil
		}
	case actionChat:
		return m, run(func() error { return sess.SendChat(act.text) })
	case actionLoad:
		return m, run(func() error { return sess.LoadSource(act.mode, act.text) })
	case actionPlay:
		return m, run(sess.Play)
	case actionPause:
		return m, run(sess.Pause)
	case actionSeek:
		return m, run(func() error { return sess.Seek(act.seconds) })
	}
	return m, nil
}

// enter creates a session and hosts or joins with it.
func (m ui) enter(fn func(context.Context, Session) (string, error)) tea.Cmd {
	newSession := m.cfg.NewSession
	return func() tea.Msg {
		s, err := newSession()
		if err != nil {
			return enteredMsg{err: err}
		}
		ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
		defer cancel()
		code, err := fn(ctx, s)
		if err != nil {
			s.Leave()
			return enteredMsg{sess: s, err: err}
		}
		return enteredMsg{sess: s, code: code}
	}
}

func waitUpdate(ch <-chan session.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return endedMsg{}
		}
		return updateMsg(u)
	}
}

func run(fn func() error) tea.Cmd {
	return func() tea.Msg {
		return resultMsg{err: fn()}
	}
}

func edit(input string, msg tea.KeyMsg) string {
	switch msg.Type {
	case tea.KeyBackspace:
		if r := []rune(input); len(r) > 0 {
			return string(r[:len(r)-1])
		}
	case tea.KeySpace:
		return input + " "
	case tea.KeyRunes:
		return input + string(msg.Runes)
	}
	return input
}

func (m *ui) setStatus(s string) {
	m.status, m.isError = s, false
}

func (m *ui) setError(s string) {
	m.status, m.isError = s, true
}
