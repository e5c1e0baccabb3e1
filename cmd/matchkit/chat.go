package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
	"github.com/spf13/cobra"

	matchkit "github.com/amora-app/matchkit-go"
)

var chatUserID string

func init() {
	chatCmd.Flags().StringVar(&chatUserID, "user-id", "", "your Amora user id (overrides config)")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <match-id>",
	Short: "Open a live conversation",
	Long:  "Open a realtime session for one match: messages stream in over the push channel, with transparent polling when it is down.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		matchID := args[0]

		client, cfg := getClient()
		selfID := chatUserID
		if selfID == "" {
			selfID = cfg.Auth.UserID
		}
		if selfID == "" {
			fmt.Fprintln(os.Stderr, "No user id. Run 'matchkit config set auth.user_id <id>' or pass --user-id.")
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		match, err := client.Matches.Get(ctx, matchID)
		cancel()
		peerName := matchID
		if err == nil && match.Peer.DisplayName != "" {
			peerName = match.Peer.DisplayName
		}

		session, err := client.OpenSession(context.Background(), matchID, selfID, nil)
		if err != nil {
			return fmt.Errorf("failed to open session: %w", err)
		}
		defer session.Close()

		p := tea.NewProgram(newChatModel(session, selfID, peerName), tea.WithAltScreen())

		// Session events feed the program loop; bubbletea serializes them
		// with key input, so the model never touches the session's state
		// concurrently.
		session.OnMessagesChanged(func() {
			p.Send(messagesChangedMsg{messages: session.Messages()})
		})
		session.OnPeerChanged(func(peer matchkit.Peer) {
			p.Send(peerChangedMsg{peer: peer})
		})
		session.OnTransportChanged(func(state matchkit.TransportState) {
			p.Send(transportChangedMsg{state: state})
		})

		if _, err := p.Run(); err != nil {
			return fmt.Errorf("chat UI error: %w", err)
		}
		return nil
	},
}

// ============================================================================
// Model
// ============================================================================

type messagesChangedMsg struct{ messages []matchkit.Message }
type peerChangedMsg struct{ peer matchkit.Peer }
type transportChangedMsg struct{ state matchkit.TransportState }

type chatModel struct {
	session  *matchkit.Session
	selfID   string
	peerName string

	messages  []matchkit.Message
	peer      matchkit.Peer
	transport matchkit.TransportState

	viewport     viewport.Model
	textarea     textarea.Model
	spinner      spinner.Model
	windowWidth  int
	windowHeight int
	err          error
}

func newChatModel(session *matchkit.Session, selfID, peerName string) chatModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = statusStyle

	vp := viewport.New(80, 20)

	ta := textarea.New()
	ta.Placeholder = "Type your message..."
	ta.CharLimit = 1000
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.Focus()

	return chatModel{
		session:      session,
		selfID:       selfID,
		peerName:     peerName,
		messages:     session.Messages(),
		peer:         session.Peer(),
		transport:    session.TransportState(),
		viewport:     vp,
		textarea:     ta,
		spinner:      s,
		windowWidth:  80,
		windowHeight: 30,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textarea.Blink)
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		m.windowHeight = msg.Height

		headerHeight := 4
		textareaHeight := 4
		helpHeight := 2
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = msg.Height - headerHeight - textareaHeight - helpHeight
		m.textarea.SetWidth(msg.Width - 4)

		m.updateViewportContent()
		return m, nil

	case messagesChangedMsg:
		atBottom := m.viewport.AtBottom()
		m.messages = msg.messages
		m.updateViewportContent()
		if atBottom {
			m.viewport.GotoBottom()
		}
		return m, nil

	case peerChangedMsg:
		m.peer = msg.peer
		return m, nil

	case transportChangedMsg:
		m.transport = msg.state
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit

		case "enter":
			text := strings.TrimSpace(m.textarea.Value())
			if text == "" {
				return m, nil
			}
			if _, err := m.session.SendText(text); err != nil {
				m.err = err
				return m, nil
			}
			m.err = nil
			m.textarea.Reset()
			return m, nil

		case "ctrl+r":
			// Retry the most recent failed message.
			for i := len(m.messages) - 1; i >= 0; i-- {
				if m.messages[i].Status == matchkit.StatusFailed {
					if err := m.session.Resend(m.messages[i].ID); err != nil {
						m.err = err
					}
					break
				}
			}
			return m, nil

		case "pgup", "pgdown", "ctrl+u", "ctrl+d":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd

		default:
			var cmd tea.Cmd
			m.textarea, cmd = m.textarea.Update(msg)
			return m, cmd
		}
	}

	return m, nil
}

func statusMark(s matchkit.MessageStatus) string {
	switch s {
	case matchkit.StatusSending:
		return "…"
	case matchkit.StatusSent:
		return "✓"
	case matchkit.StatusDelivered:
		return "✓✓"
	case matchkit.StatusRead:
		return "✓✓ read"
	case matchkit.StatusFailed:
		return "✗ failed"
	}
	return ""
}

func (m *chatModel) updateViewportContent() {
	var content strings.Builder
	wrapWidth := m.viewport.Width
	if wrapWidth <= 0 {
		wrapWidth = 80
	}

	for i, message := range m.messages {
		if i > 0 {
			content.WriteString("\n")
		}

		timestamp := message.CreatedAt.Local().Format("3:04 PM")
		if message.CreatedAt.IsZero() {
			timestamp = "now"
		}

		body := message.Content
		if body == "" && message.MediaURL != "" {
			body = fmt.Sprintf("[%s: %s]", message.Kind, message.MediaURL)
		}

		if message.Own(m.selfID) {
			header := messageHeaderStyle.Render(fmt.Sprintf("You • %s • %s", timestamp, statusMark(message.Status)))
			content.WriteString(lipgloss.NewStyle().Align(lipgloss.Right).Width(wrapWidth).Render(header) + "\n")

			style := messageFromMeStyle
			if message.Status == matchkit.StatusFailed {
				style = failedStyle
			}
			wrapped := wordwrap.String(body, wrapWidth-10)
			content.WriteString(lipgloss.NewStyle().Align(lipgloss.Right).Width(wrapWidth).Render(style.Render(wrapped)) + "\n")
		} else {
			header := messageHeaderStyle.Render(fmt.Sprintf("%s • %s", m.peerName, timestamp))
			content.WriteString(header + "\n")
			wrapped := wordwrap.String(body, wrapWidth-10)
			content.WriteString(messageFromPeerStyle.Render(wrapped) + "\n")
		}
	}

	m.viewport.SetContent(content.String())
}

func (m chatModel) presenceLine() string {
	var parts []string
	if m.peer.Typing {
		parts = append(parts, fmt.Sprintf("%s typing %s", m.spinner.View(), m.peerName))
	} else if m.peer.Online {
		parts = append(parts, "online")
	} else if !m.peer.LastSeen.IsZero() {
		parts = append(parts, "last seen "+m.peer.LastSeen.Local().Format("Jan 2 15:04"))
	} else {
		parts = append(parts, "offline")
	}

	switch m.transport {
	case matchkit.TransportPushActive:
		parts = append(parts, "live")
	case matchkit.TransportReconnecting:
		parts = append(parts, "reconnecting…")
	case matchkit.TransportPollActive:
		parts = append(parts, "polling")
	}

	return statusStyle.Render(strings.Join(parts, " • "))
}

func (m chatModel) View() string {
	s := titleStyle.Render(fmt.Sprintf("💬 %s", m.peerName)) + "\n"
	s += m.presenceLine() + "\n\n"

	if m.err != nil {
		s += errorStyle.Render(fmt.Sprintf("Error: %v", m.err)) + "\n"
	}

	s += m.viewport.View() + "\n\n"
	s += m.textarea.View() + "\n"
	s += helpStyle.Render("enter: send • ctrl+r: retry failed • pgup/pgdn: scroll • esc: quit")

	return s
}
