package client

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/skiffchat/skiff/internal/chat"
	"github.com/skiffchat/skiff/internal/config"
	"github.com/skiffchat/skiff/internal/identity"
	"github.com/skiffchat/skiff/internal/store"
	"github.com/skiffchat/skiff/internal/users"
)

// App implements the bubbletea tea.Model interface for the terminal client.
type App struct {
	cfg      config.ClientConfig
	ctx      context.Context
	session  *chat.Session
	ids      *identity.Service
	searcher *users.Searcher

	view     primaryView
	viewport viewport.Model
	input    textinput.Model
	helper   help.Model
	styles   styleSet
	commands []commandSpec

	width  int
	height int

	showHelp   bool
	helpView   string
	helpHeight int
	logLine    logLine

	searchEvents chan struct{}
	progress     chan int
	uploading    bool
}

type primaryView int

const (
	viewChat primaryView = iota
	viewRooms
	viewSearch
	viewHelp
)

func (v primaryView) String() string {
	switch v {
	case viewChat:
		return "chat"
	case viewRooms:
		return "rooms"
	case viewSearch:
		return "search"
	case viewHelp:
		return "help"
	default:
		return "unknown"
	}
}

type logLevel int

const (
	logLevelInfo logLevel = iota
	logLevelError
)

type logLine struct {
	level logLevel
	label string
	body  string
}

type styleSet struct {
	title         lipgloss.Style
	view          lipgloss.Style
	statusOnline  lipgloss.Style
	statusOffline lipgloss.Style
	label         lipgloss.Style
	value         lipgloss.Style
	logLabel      lipgloss.Style
	logBody       lipgloss.Style
	logLabelError lipgloss.Style
	logBodyError  lipgloss.Style
	help          lipgloss.Style
}

type commandSpec struct {
	trigger     string
	usage       string
	description string
}

// NewApp builds the Bubble Tea model over a started session.
func NewApp(ctx context.Context, cfg config.ClientConfig, session *chat.Session, ids *identity.Service, docs store.DocumentStore) *App {
	input := textinput.New()
	input.Prompt = "> "
	input.Placeholder = "Type a message, or / for commands"
	input.Focus()

	app := &App{
		cfg:          cfg,
		ctx:          ctx,
		session:      session,
		ids:          ids,
		view:         viewChat,
		viewport:     viewport.New(0, 0),
		input:        input,
		helper:       help.New(),
		styles:       buildStyles(),
		commands:     defaultCommands(),
		searchEvents: make(chan struct{}, 1),
		progress:     make(chan int, 1),
	}
	app.searcher = users.NewSearcher(docs, cfg.Sync, func() {
		select {
		case app.searchEvents <- struct{}{}:
		default:
		}
	})
	app.updateViewportContent()
	return app
}

// Init is part of the tea.Model interface.
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.listenForUpdates(),
		a.listenForSearch(),
		a.listenForProgress(),
	)
}

// Update handles user input and internal events.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = m.Width
		a.height = m.Height
		a.updateViewportSize()
		a.updateInputWidth()
		a.updateViewportContent()
		return a, nil
	case tea.KeyMsg:
		return a.handleKey(m)
	case sessionUpdateMsg:
		a.updateViewportContent()
		var cmds []tea.Cmd
		cmds = append(cmds, a.listenForUpdates())
		if read := a.markReadIfViewing(); read != nil {
			cmds = append(cmds, read)
		}
		return a, tea.Batch(cmds...)
	case searchUpdateMsg:
		if err := a.searcher.Err(); err != nil {
			a.logErrorf("Search failed: %v", err)
		}
		if a.view == viewSearch {
			a.updateViewportContent()
		}
		return a, a.listenForSearch()
	case uploadProgressMsg:
		a.logf("Uploading... %d%%", m.percent)
		return a, a.listenForProgress()
	case opResultMsg:
		return a.handleOpResult(m)
	default:
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd
	}
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return a, a.commandQuit()
	case tea.KeyEnter:
		value := a.input.Value()
		a.input.Reset()
		a.updateHelp()
		return a, a.handleSubmit(value)
	case tea.KeyTab:
		a.completeCommand()
		a.updateHelp()
		return a, nil
	case tea.KeyEsc:
		a.input.Reset()
		a.updateHelp()
		return a, nil
	case tea.KeyPgUp:
		a.viewport.LineUp(a.viewport.Height)
		return a, nil
	case tea.KeyPgDown:
		a.viewport.LineDown(a.viewport.Height)
		return a, nil
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	a.updateHelp()
	a.updateViewportSize()
	return a, cmd
}

func (a *App) handleOpResult(msg opResultMsg) (tea.Model, tea.Cmd) {
	if msg.description == opUpload || msg.description == opImages || msg.description == opAvatar {
		a.uploading = false
	}
	if msg.err != nil {
		a.logErrorf("%s failed: %v", msg.description, msg.err)
	} else if msg.note != "" {
		a.logf("%s", msg.note)
	} else {
		a.logf("%s done", msg.description)
	}
	a.updateViewportContent()
	return a, nil
}

// markReadIfViewing marks loaded messages as read while the chat view for
// the active room is on screen.
func (a *App) markReadIfViewing() tea.Cmd {
	if a.view != viewChat || a.session.ActiveRoomID() == "" {
		return nil
	}
	user := a.session.User()
	if user == nil {
		return nil
	}
	unread := false
	for _, m := range a.session.Messages() {
		if !m.ReadBySet(user.ID) {
			unread = true
			break
		}
	}
	if !unread {
		return nil
	}
	session := a.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := session.MarkActiveRead(ctx); err != nil {
			return opResultMsg{description: "mark read", err: err}
		}
		return nil
	}
}

func (a *App) listenForUpdates() tea.Cmd {
	ch := a.session.Updates()
	return func() tea.Msg {
		<-ch
		return sessionUpdateMsg{}
	}
}

func (a *App) listenForSearch() tea.Cmd {
	ch := a.searchEvents
	return func() tea.Msg {
		<-ch
		return searchUpdateMsg{}
	}
}

func (a *App) listenForProgress() tea.Cmd {
	ch := a.progress
	return func() tea.Msg {
		p := <-ch
		return uploadProgressMsg{percent: p}
	}
}

// publishProgress coalesces progress updates, keeping only the newest when
// the UI lags behind.
func (a *App) publishProgress(p int) {
	for {
		select {
		case a.progress <- p:
			return
		default:
			select {
			case <-a.progress:
			default:
			}
		}
	}
}

func (a *App) logf(format string, args ...interface{}) {
	a.logLine = logLine{level: logLevelInfo, label: "INFO", body: fmt.Sprintf(format, args...)}
}

func (a *App) logErrorf(format string, args ...interface{}) {
	a.logLine = logLine{level: logLevelError, label: "ERROR", body: fmt.Sprintf(format, args...)}
}

type sessionUpdateMsg struct{}

type searchUpdateMsg struct{}

type uploadProgressMsg struct {
	percent int
}

type opResultMsg struct {
	description string
	note        string
	err         error
}

const (
	opTimeout = 10 * time.Second
	opUpload  = "upload"
	opImages  = "image upload"
	opAvatar  = "avatar upload"
)
