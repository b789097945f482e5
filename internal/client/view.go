package client

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"
	figure "github.com/common-nighthawk/go-figure"
	"github.com/mattn/go-runewidth"

	"github.com/skiffchat/skiff/internal/store"
)

var homeContent = buildHomeContent()

func (a *App) View() string {
	var b strings.Builder

	b.WriteString(a.viewport.View())
	b.WriteString("\n")

	if a.showHelp && a.helpView != "" {
		b.WriteString(a.styles.help.Render(a.helpView))
		b.WriteString("\n")
	}

	b.WriteString(a.input.View())
	b.WriteString("\n")
	b.WriteString(a.logLineView())
	b.WriteString("\n")
	b.WriteString(a.statusLine())

	return b.String()
}

func (a *App) updateViewportContent() {
	switch a.view {
	case viewChat:
		a.renderChatView()
	case viewRooms:
		a.viewport.SetContent(a.renderRoomsView())
		a.viewport.GotoTop()
	case viewSearch:
		a.viewport.SetContent(a.renderSearchView())
		a.viewport.GotoTop()
	case viewHelp:
		a.viewport.SetContent(a.renderHelpView())
		a.viewport.GotoTop()
	}
}

func (a *App) renderChatView() {
	if a.session.User() == nil || a.session.ActiveRoomID() == "" {
		a.viewport.SetContent(homeContent)
		return
	}
	if a.session.MessagesLoading() {
		a.viewport.SetContent("Loading messages ...")
		return
	}
	if err := a.session.MessagesErr(); err != nil {
		a.viewport.SetContent(fmt.Sprintf("Message sync failed: %v", err))
		return
	}

	messages := a.session.Messages()
	if len(messages) == 0 {
		a.viewport.SetContent("No messages yet. Type and press Enter to send.")
		return
	}

	width := a.viewport.Width
	if width <= 0 {
		width = a.width
	}
	lines := make([]string, 0, len(messages)+1)
	if a.session.HasMoreMessages() {
		lines = append(lines, "(use /older to load earlier messages)")
	}
	for _, m := range messages {
		lines = append(lines, formatMessage(m))
	}
	a.viewport.SetContent(strings.Join(wrapLines(lines, width), "\n"))
	a.viewport.GotoBottom()
}

func (a *App) renderRoomsView() string {
	if a.session.User() == nil {
		return "Sign in to see your rooms."
	}
	if a.session.RoomsLoading() {
		return "Loading rooms ..."
	}
	if err := a.session.RoomsErr(); err != nil {
		return fmt.Sprintf("Room sync failed: %v", err)
	}

	rooms := a.session.Rooms()
	if len(rooms) == 0 {
		return "No rooms yet. Use /create <name> or /dm <user_id>."
	}

	active := a.session.ActiveRoomID()
	var b strings.Builder
	b.WriteString("Your rooms (switch with /select <index>):\n\n")
	for i, room := range rooms {
		marker := "  "
		if room.ID == active {
			marker = "* "
		}
		name := a.session.RoomDisplayName(room)
		line := fmt.Sprintf("%s%2d. %s", marker, i+1, name)
		if room.Type == store.RoomTypeGroup {
			line += fmt.Sprintf(" (%d members)", room.MemberCount)
		}
		b.WriteString(line)
		b.WriteString("\n")
		if room.LastMessage != "" {
			b.WriteString(fmt.Sprintf("      %s  [%s]\n", room.LastMessage, room.LastMessageAt.Local().Format("Jan 2 15:04")))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *App) renderSearchView() string {
	if a.searcher.Searching() {
		return "Searching ..."
	}
	results := a.searcher.Results()
	if len(results) == 0 {
		return "No users found. Use /search <prefix> to look for people."
	}

	var b strings.Builder
	b.WriteString("Users (start a chat with /dm <user_id>):\n\n")
	for _, profile := range results {
		status := "offline"
		if profile.Status == store.StatusOnline {
			status = "online"
		}
		b.WriteString(fmt.Sprintf("  %s  [%s]\n      id: %s\n", profile.DisplayName, status, profile.ID))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *App) renderHelpView() string {
	var b strings.Builder
	b.WriteString("Skiff Commands\n\n")
	for _, c := range a.commands {
		b.WriteString(fmt.Sprintf("%-32s %s\n", c.usage, c.description))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatMessage(m store.Message) string {
	ts := m.CreatedAt.Local().Format("15:04:05")
	sender := strings.TrimSpace(m.SenderName)
	if sender == "" {
		sender = "unknown"
	}
	switch m.Kind {
	case store.MessageKindImage:
		return fmt.Sprintf("[%s] %s sent an image: %s", ts, sender, m.FileURL)
	case store.MessageKindFile:
		return fmt.Sprintf("[%s] %s sent a file %s (%d bytes): %s", ts, sender, m.FileName, m.FileSize, m.FileURL)
	default:
		return fmt.Sprintf("[%s] %s: %s", ts, sender, m.Text)
	}
}

func (a *App) updateViewportSize() {
	if a.height == 0 {
		return
	}
	const fixed = 3
	height := a.height - fixed - a.helpHeight
	if height < 3 {
		height = 3
	}
	a.viewport.Height = height
	a.viewport.Width = a.width
}

func (a *App) updateInputWidth() {
	width := a.width
	if width <= 0 {
		width = 60
	}
	promptWidth := lipgloss.Width(a.input.Prompt)
	usable := width - promptWidth - 1
	if usable < 10 {
		usable = 10
	}
	a.input.Width = usable
}

func (a *App) updateHelp() {
	value := a.input.Value()
	if value == "" || !strings.HasPrefix(value, string(a.cfg.CommandPrefix)) {
		a.showHelp = false
		a.helpView = ""
		a.helpHeight = 0
		return
	}

	token := value
	if idx := strings.IndexAny(value, " \t"); idx >= 0 {
		token = value[:idx]
	}

	bindings := a.matchingBindings(token)
	if len(bindings) == 0 {
		a.showHelp = false
		a.helpView = ""
		a.helpHeight = 0
		return
	}

	a.showHelp = true
	a.helper.Width = a.width
	view := a.helper.View(dynamicKeyMap{keys: bindings})
	view = strings.TrimRight(view, "\n")
	a.helpView = view
	a.helpHeight = countLines(view)
}

func (a *App) matchingBindings(prefix string) []key.Binding {
	prefix = strings.ToLower(prefix)
	var bindings []key.Binding
	for _, c := range a.commands {
		if strings.HasPrefix(strings.ToLower(c.trigger), prefix) {
			bindings = append(bindings, key.NewBinding(
				key.WithKeys(c.usage),
				key.WithHelp(c.usage, c.description),
			))
		}
	}
	return bindings
}

func (a *App) statusLine() string {
	status := "OFFLINE"
	username := "-"
	if user := a.session.User(); user != nil {
		status = "ONLINE"
		username = user.DisplayName
	}
	room := "-"
	if active, ok := a.session.ActiveRoom(); ok {
		room = a.session.RoomDisplayName(active)
	}

	parts := []string{
		a.styles.title.Render("Skiff"),
		a.styles.view.Render(strings.ToUpper(a.view.String())),
		a.statusValueStyle(status).Render(status),
		a.styles.label.Render("User") + ": " + a.styles.value.Render(username),
		a.styles.label.Render("Room") + ": " + a.styles.value.Render(room),
	}

	return strings.Join(parts, " | ")
}

func (a *App) statusValueStyle(status string) lipgloss.Style {
	if strings.EqualFold(status, "ONLINE") {
		return a.styles.statusOnline
	}
	return a.styles.statusOffline
}

func (a *App) logLineView() string {
	if a.logLine.label == "" {
		return " "
	}
	labelStyle := a.styles.logLabel
	bodyStyle := a.styles.logBody
	if a.logLine.level == logLevelError {
		labelStyle = a.styles.logLabelError
		bodyStyle = a.styles.logBodyError
	}
	return labelStyle.Render(a.logLine.label) + " " + bodyStyle.Render(a.logLine.body)
}

func buildStyles() styleSet {
	base := lipgloss.NewStyle()
	return styleSet{
		title:         base.Foreground(lipgloss.Color("13")).Bold(true),
		view:          base.Foreground(lipgloss.Color("14")).Bold(true),
		statusOnline:  base.Foreground(lipgloss.Color("10")).Bold(true),
		statusOffline: base.Foreground(lipgloss.Color("9")).Bold(true),
		label:         base.Foreground(lipgloss.Color("8")),
		value:         base.Foreground(lipgloss.Color("15")),
		logLabel:      base.Foreground(lipgloss.Color("11")).Bold(true),
		logBody:       base.Foreground(lipgloss.Color("7")),
		logLabelError: base.Foreground(lipgloss.Color("9")).Bold(true),
		logBodyError:  base.Foreground(lipgloss.Color("9")),
		help:          base.Foreground(lipgloss.Color("12")),
	}
}

func buildHomeContent() string {
	fig := figure.NewColorFigure("SKIFF", "3-d", "green", true)
	art := strings.TrimRight(fig.String(), "\n")
	info := []string{
		"Use /register or /login to sign in.",
		"Use /rooms to browse your conversations.",
		"Use /create <name> to start a group room.",
		"Use /search <prefix> to find people, then /dm <user_id>.",
		"Use /upload and /images to share files.",
		"Use /help to browse all commands.",
	}

	var b strings.Builder
	b.WriteString(art)
	b.WriteString("\n\n")
	b.WriteString(strings.Join(info, "\n"))
	return b.String()
}

func wrapLines(lines []string, width int) []string {
	if width <= 0 {
		return lines
	}
	const minWidth = 10
	if width < minWidth {
		width = minWidth
	}

	wrapped := make([]string, 0, len(lines))
	for _, line := range lines {
		segment := line
		if segment == "" {
			wrapped = append(wrapped, "")
			continue
		}
		for len(segment) > 0 {
			if runewidth.StringWidth(segment) <= width {
				wrapped = append(wrapped, segment)
				break
			}
			cut := wrapCutIndex(segment, width)
			part := strings.TrimRight(segment[:cut], " ")
			if part == "" && cut > 0 {
				part = segment[:cut]
			}
			wrapped = append(wrapped, part)
			segment = strings.TrimLeft(segment[cut:], " ")
			if segment == "" {
				break
			}
		}
	}
	return wrapped
}

func wrapCutIndex(s string, limit int) int {
	var width int
	lastSpace := -1
	for i, r := range s {
		rw := runewidth.RuneWidth(r)
		if width+rw > limit {
			if lastSpace >= 0 {
				return lastSpace + 1
			}
			if width == 0 {
				return i + 1
			}
			return i
		}
		width += rw
		if unicode.IsSpace(r) {
			lastSpace = i
		}
	}
	return len(s)
}

type dynamicKeyMap struct {
	keys []key.Binding
}

func (d dynamicKeyMap) ShortHelp() []key.Binding {
	return d.keys
}

func (d dynamicKeyMap) FullHelp() [][]key.Binding {
	if len(d.keys) == 0 {
		return [][]key.Binding{}
	}
	return [][]key.Binding{d.keys}
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
