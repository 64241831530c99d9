package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/adwski/watchparty/backend/chat"
	"github.com/adwski/watchparty/backend/media"
	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/playback"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	codeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("13"))

	hostStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	systemStyle = lipgloss.NewStyle().
			Italic(true).
			Foreground(lipgloss.Color("8"))

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	playingStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)

	boxTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))
)

func (m ui) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(m.cfg.Title))
	b.WriteString(dimStyle.Render(" - watch together"))
	b.WriteString("\n\n")

	switch m.screen {
	case screenLobby:
		b.WriteString(m.renderLobby())
	case screenJoin:
		b.WriteString(m.renderJoin())
	default:
		b.WriteString(m.renderRoom())
	}

	if m.status != "" {
		b.WriteString("\n")
		if m.isError {
			b.WriteString(errorStyle.Render(m.status))
		} else {
			b.WriteString(statusStyle.Render(m.status))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m ui) renderLobby() string {
	return keyStyle.Render("h") + " host a room   " +
		keyStyle.Render("j") + " join a room   " +
		keyStyle.Render("q") + " quit\n"
}

func (m ui) renderJoin() string {
	return "Room code: " + m.input + dimStyle.Render("_") + "\n\n" +
		keyStyle.Render("enter") + " join   " + keyStyle.Render("esc") + " back\n"
}

func (m ui) renderRoom() string {
	var b strings.Builder
	v := m.view

	b.WriteString("Room " + codeStyle.Render(v.Code))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  you are %s (%s)", v.DisplayName, v.Role)))
	if v.LocalMedia == media.KindDummy {
		b.WriteString(dimStyle.Render("  camera: placeholder"))
	}
	b.WriteString("\n")
	b.WriteString(renderPlayback(v.Playback))
	b.WriteString("\n\n")

	width := m.width
	if width <= 0 {
		width = 100
	}
	side := max(24, width/3)
	people := boxStyle.Width(side).Render(m.renderParticipants())
	talk := boxStyle.Width(max(30, width-side-6)).Render(m.renderChat())
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, people, talk))
	b.WriteString("\n")

	b.WriteString("> " + m.input + dimStyle.Render("_") + "\n")
	if m.help {
		b.WriteString(renderHelp(v.Role))
	} else {
		b.WriteString(dimStyle.Render("/help for commands, ctrl+c to quit") + "\n")
	}
	return b.String()
}

func renderPlayback(st playback.State) string {
	if st.SourceMode == playback.SourceNone {
		return dimStyle.Render("nothing is playing")
	}
	state := dimStyle.Render(string(st.Status))
	if st.IsPlaying {
		state = playingStyle.Render("playing")
	}
	return fmt.Sprintf("%s %s %s %s",
		state,
		formatTimestamp(st.PositionSeconds),
		dimStyle.Render(string(st.SourceMode)),
		truncate(st.SourceRef, 60))
}

func (m ui) renderParticipants() string {
	var b strings.Builder
	b.WriteString(boxTitleStyle.Render("People"))
	b.WriteString("\n")
	if len(m.view.Participants) == 0 {
		b.WriteString(dimStyle.Render("nobody yet"))
		return b.String()
	}
	for _, p := range m.view.Participants {
		name := chat.Label(p.DisplayName, p.PeerAddress)
		if p.Role == model.RoleHost {
			name = hostStyle.Render(name + " *")
		}
		b.WriteString(name)
		if len(p.Streams) > 0 {
			b.WriteString(dimStyle.Render(" [" + strings.Join(p.Streams, ",") + "]"))
		}
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m ui) renderChat() string {
	var b strings.Builder
	b.WriteString(boxTitleStyle.Render("Chat"))
	b.WriteString("\n")

	msgs := m.view.Chat
	if len(msgs) > chatLines {
		msgs = msgs[len(msgs)-chatLines:]
	}
	for _, msg := range msgs {
		if msg.System {
			b.WriteString(systemStyle.Render(msg.Text))
		} else {
			b.WriteString(keyStyle.Render(msg.Label()+":") + " " + msg.Text)
		}
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func renderHelp(role model.Role) string {
	lines := []string{
		keyStyle.Render("text") + "            chat",
		keyStyle.Render("/leave") + "          back to the lobby",
	}
	if role == model.RoleHost {
		lines = append(lines,
			keyStyle.Render("/load <url|id>")+"  play a video",
			keyStyle.Render("/file <path>")+"    share a local IVF file",
			keyStyle.Render("/screen [name]")+"  share the screen",
			keyStyle.Render("/play /pause")+"    control playback",
			keyStyle.Render("/seek <mm:ss>")+"   jump",
		)
	}
	return strings.Join(lines, "\n") + "\n"
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
