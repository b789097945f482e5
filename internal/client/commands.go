package client

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/skiffchat/skiff/internal/upload"
)

func (a *App) handleSubmit(value string) tea.Cmd {
	if strings.HasPrefix(value, string(a.cfg.CommandPrefix)) {
		return a.executeCommand(value)
	}
	return a.sendChatMessage(value)
}

func (a *App) executeCommand(raw string) tea.Cmd {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}

	cmd := fields[0]
	var cmds []tea.Cmd

	switch cmd {
	case "/chat":
		a.view = viewChat
		a.logf("Switched to CHAT view")
	case "/rooms":
		a.view = viewRooms
		a.logf("Switched to ROOMS view")
	case "/help":
		a.view = viewHelp
		a.logf("Switched to HELP view")
	case "/register":
		if len(fields) < 3 {
			a.logErrorf("Usage: /register <username> <password> [display name]")
			break
		}
		username := fields[1]
		password := fields[2]
		displayName := strings.Join(fields[3:], " ")
		a.logf("Registering %s ...", username)
		cmds = append(cmds, a.registerCommand(username, password, displayName))
	case "/login":
		if len(fields) < 3 {
			a.logErrorf("Usage: /login <username> <password>")
			break
		}
		username := fields[1]
		password := strings.Join(fields[2:], " ")
		a.logf("Logging in as %s ...", username)
		cmds = append(cmds, a.loginCommand(username, password))
	case "/logout":
		a.ids.Logout()
		a.logf("Signed out")
	case "/name":
		if len(fields) < 2 {
			a.logErrorf("Usage: /name <display name>")
			break
		}
		displayName := strings.Join(fields[1:], " ")
		cmds = append(cmds, a.runOp("rename", func(ctx context.Context) error {
			return a.ids.UpdateProfile(ctx, displayName, "")
		}))
	case "/create":
		if len(fields) < 2 {
			a.logErrorf("Usage: /create <room name>")
			break
		}
		if !a.isSignedIn() {
			break
		}
		name := strings.Join(fields[1:], " ")
		cmds = append(cmds, a.createRoomCommand(name))
	case "/dm":
		if len(fields) < 2 {
			a.logErrorf("Usage: /dm <user_id>")
			break
		}
		if !a.isSignedIn() {
			break
		}
		cmds = append(cmds, a.directChatCommand(strings.TrimSpace(fields[1])))
	case "/select":
		if len(fields) < 2 {
			a.logErrorf("Usage: /select <index|room_id>")
			break
		}
		if !a.isSignedIn() {
			break
		}
		cmds = append(cmds, a.selectRoomCommand(fields[1]))
	case "/invite":
		if len(fields) < 2 {
			a.logErrorf("Usage: /invite <user_id>")
			break
		}
		roomID := a.session.ActiveRoomID()
		if roomID == "" {
			a.logErrorf("Select a room before inviting")
			break
		}
		userID := strings.TrimSpace(fields[1])
		cmds = append(cmds, a.runOp("invite", func(ctx context.Context) error {
			return a.session.Invite(ctx, roomID, userID)
		}))
	case "/leave":
		roomID := a.session.ActiveRoomID()
		if len(fields) > 1 {
			roomID = strings.TrimSpace(fields[1])
		}
		if roomID == "" {
			a.logErrorf("No room to leave")
			break
		}
		cmds = append(cmds, a.runOp("leave", func(ctx context.Context) error {
			return a.session.LeaveRoom(ctx, roomID)
		}))
	case "/delete":
		roomID := a.session.ActiveRoomID()
		if len(fields) > 1 {
			roomID = strings.TrimSpace(fields[1])
		}
		if roomID == "" {
			a.logErrorf("No room to delete")
			break
		}
		cmds = append(cmds, a.runOp("delete room", func(ctx context.Context) error {
			return a.session.DeleteRoom(ctx, roomID)
		}))
	case "/older":
		if a.session.ActiveRoomID() == "" {
			a.logErrorf("Select a room first")
			break
		}
		if !a.session.HasMoreMessages() {
			a.logf("No older messages")
			break
		}
		cmds = append(cmds, a.runOp("load older", func(ctx context.Context) error {
			return a.session.LoadOlder(ctx)
		}))
	case "/read":
		cmds = append(cmds, a.runOp("mark read", func(ctx context.Context) error {
			return a.session.MarkActiveRead(ctx)
		}))
	case "/search":
		if !a.isSignedIn() {
			break
		}
		query := strings.Join(fields[1:], " ")
		user := a.session.User()
		a.searcher.SetQuery(a.ctx, user.ID, query)
		a.view = viewSearch
		if query == "" {
			a.logf("Search cleared")
		} else {
			a.logf("Searching for %q ...", query)
		}
	case "/avatar":
		if len(fields) < 2 {
			a.logErrorf("Usage: /avatar <path>")
			break
		}
		if !a.isSignedIn() {
			break
		}
		if a.uploading {
			a.logErrorf("Another upload is in progress")
			break
		}
		cmds = append(cmds, a.avatarCommand(strings.Join(fields[1:], " ")))
	case "/upload":
		if len(fields) < 2 {
			a.logErrorf("Usage: /upload <path>")
			break
		}
		if a.uploading {
			a.logErrorf("Another upload is in progress")
			break
		}
		path := strings.Join(fields[1:], " ")
		cmds = append(cmds, a.uploadCommand(path))
	case "/images":
		if len(fields) < 2 {
			a.logErrorf("Usage: /images <path> [path ...]")
			break
		}
		if a.uploading {
			a.logErrorf("Another upload is in progress")
			break
		}
		cmds = append(cmds, a.imagesCommand(fields[1:]))
	case "/quit", "/exit":
		cmds = append(cmds, a.commandQuit())
	default:
		a.logErrorf("Command %s not implemented", cmd)
	}

	a.updateViewportContent()

	switch len(cmds) {
	case 0:
		return nil
	case 1:
		return cmds[0]
	default:
		return tea.Batch(cmds...)
	}
}

func (a *App) sendChatMessage(content string) tea.Cmd {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if !a.isSignedIn() {
		return nil
	}
	if a.session.ActiveRoomID() == "" {
		a.logErrorf("Select a room before chatting (use /select)")
		return nil
	}
	if a.view != viewChat {
		a.view = viewChat
		a.updateViewportContent()
	}
	return a.runOp("send", func(ctx context.Context) error {
		return a.session.SendMessage(ctx, content)
	})
}

func (a *App) registerCommand(username, password, displayName string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		profile, err := a.ids.Register(ctx, username, displayName, password)
		if err != nil {
			return opResultMsg{description: "register", err: err}
		}
		return opResultMsg{description: "register", note: fmt.Sprintf("Registered and signed in as %s", profile.DisplayName)}
	}
}

func (a *App) loginCommand(username, password string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		profile, err := a.ids.Login(ctx, username, password)
		if err != nil {
			return opResultMsg{description: "login", err: err}
		}
		return opResultMsg{description: "login", note: fmt.Sprintf("Signed in as %s", profile.DisplayName)}
	}
}

func (a *App) createRoomCommand(name string) tea.Cmd {
	session := a.session
	ctx := a.ctx
	return func() tea.Msg {
		opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		room, err := session.CreateRoom(opCtx, name)
		if err != nil {
			return opResultMsg{description: "create room", err: err}
		}
		if err := session.SelectRoom(ctx, room.ID); err != nil {
			return opResultMsg{description: "create room", err: err}
		}
		return opResultMsg{description: "create room", note: fmt.Sprintf("Created room %s", room.Name)}
	}
}

func (a *App) directChatCommand(otherID string) tea.Cmd {
	session := a.session
	ctx := a.ctx
	return func() tea.Msg {
		opCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		room, err := session.StartDirectChat(opCtx, otherID)
		if err != nil {
			return opResultMsg{description: "direct chat", err: err}
		}
		if err := session.SelectRoom(ctx, room.ID); err != nil {
			return opResultMsg{description: "direct chat", err: err}
		}
		return opResultMsg{description: "direct chat", note: fmt.Sprintf("Direct chat with %s", session.RoomDisplayName(room))}
	}
}

func (a *App) selectRoomCommand(target string) tea.Cmd {
	roomID := strings.TrimSpace(target)
	if index, err := strconv.Atoi(roomID); err == nil {
		rooms := a.session.Rooms()
		if index < 1 || index > len(rooms) {
			a.logErrorf("No room at index %d", index)
			return nil
		}
		roomID = rooms[index-1].ID
	}
	session := a.session
	ctx := a.ctx
	a.view = viewChat
	return func() tea.Msg {
		if err := session.SelectRoom(ctx, roomID); err != nil {
			return opResultMsg{description: "select room", err: err}
		}
		room, _ := session.ActiveRoom()
		return opResultMsg{description: "select room", note: fmt.Sprintf("Switched to %s", session.RoomDisplayName(room))}
	}
}

func (a *App) uploadCommand(path string) tea.Cmd {
	if a.session.ActiveRoomID() == "" {
		a.logErrorf("Select a room before uploading")
		return nil
	}
	file, err := openUploadFile(path)
	if err != nil {
		a.logErrorf("Cannot upload %s: %v", path, err)
		return nil
	}

	a.uploading = true
	a.logf("Uploading %s (%d bytes) ...", file.Name, file.Size)
	session := a.session
	progress := a.publishProgress
	return func() tea.Msg {
		defer file.Reader.(*os.File).Close()
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()
		if err := session.SendFile(ctx, file, progress); err != nil {
			return opResultMsg{description: opUpload, err: err}
		}
		return opResultMsg{description: opUpload, note: fmt.Sprintf("Uploaded %s", file.Name)}
	}
}

func (a *App) imagesCommand(paths []string) tea.Cmd {
	if a.session.ActiveRoomID() == "" {
		a.logErrorf("Select a room before uploading")
		return nil
	}
	if len(paths) > upload.MaxBatchImages {
		a.logErrorf("At most %d images per batch", upload.MaxBatchImages)
		return nil
	}

	files := make([]upload.File, 0, len(paths))
	for _, path := range paths {
		file, err := openUploadFile(path)
		if err != nil {
			closeUploadFiles(files)
			a.logErrorf("Cannot upload %s: %v", path, err)
			return nil
		}
		if !strings.HasPrefix(file.ContentType, "image/") {
			closeUploadFiles(files)
			file.Reader.(*os.File).Close()
			a.logErrorf("%s is not an image", file.Name)
			return nil
		}
		files = append(files, file)
	}

	a.uploading = true
	a.logf("Uploading %d images ...", len(files))
	session := a.session
	progress := a.publishProgress
	return func() tea.Msg {
		defer closeUploadFiles(files)
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()
		if err := session.SendImages(ctx, files, progress); err != nil {
			return opResultMsg{description: opImages, err: err}
		}
		return opResultMsg{description: opImages, note: fmt.Sprintf("Uploaded %d images", len(files))}
	}
}

func (a *App) avatarCommand(path string) tea.Cmd {
	file, err := openUploadFile(path)
	if err != nil {
		a.logErrorf("Cannot upload %s: %v", path, err)
		return nil
	}
	if !strings.HasPrefix(file.ContentType, "image/") {
		file.Reader.(*os.File).Close()
		a.logErrorf("%s is not an image", file.Name)
		return nil
	}

	a.uploading = true
	a.logf("Uploading avatar %s ...", file.Name)
	session := a.session
	progress := a.publishProgress
	return func() tea.Msg {
		defer file.Reader.(*os.File).Close()
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()
		if err := session.SetAvatar(ctx, file, progress); err != nil {
			return opResultMsg{description: opAvatar, err: err}
		}
		return opResultMsg{description: opAvatar, note: "Avatar updated"}
	}
}

func (a *App) commandQuit() tea.Cmd {
	a.logf("Exiting client")
	a.searcher.Close()
	a.session.Close()
	return tea.Quit
}

func (a *App) runOp(description string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return opResultMsg{description: description, err: fn(ctx)}
	}
}

func (a *App) isSignedIn() bool {
	if a.session.User() == nil {
		a.logErrorf("Sign in first (use /login or /register)")
		return false
	}
	return true
}

func openUploadFile(path string) (upload.File, error) {
	path = strings.TrimSpace(path)
	info, err := os.Stat(path)
	if err != nil {
		return upload.File{}, err
	}
	if info.IsDir() {
		return upload.File{}, fmt.Errorf("%s is a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return upload.File{}, err
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return upload.File{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Size:        info.Size(),
		Reader:      f,
	}, nil
}

func closeUploadFiles(files []upload.File) {
	for _, f := range files {
		if closer, ok := f.Reader.(*os.File); ok {
			closer.Close()
		}
	}
}

func defaultCommands() []commandSpec {
	return []commandSpec{
		{trigger: "/register", usage: "/register <user> <pass> [name]", description: "Create an account and sign in"},
		{trigger: "/login", usage: "/login <user> <pass>", description: "Sign in with existing credentials"},
		{trigger: "/logout", usage: "/logout", description: "Sign out"},
		{trigger: "/name", usage: "/name <display name>", description: "Change your display name"},
		{trigger: "/avatar", usage: "/avatar <path>", description: "Set your profile picture"},
		{trigger: "/chat", usage: "/chat", description: "Switch to chat view"},
		{trigger: "/rooms", usage: "/rooms", description: "List your rooms"},
		{trigger: "/create", usage: "/create <name>", description: "Create a group room"},
		{trigger: "/dm", usage: "/dm <user_id>", description: "Open a direct chat"},
		{trigger: "/select", usage: "/select <index|room_id>", description: "Switch to a room"},
		{trigger: "/invite", usage: "/invite <user_id>", description: "Invite a user to the active room"},
		{trigger: "/leave", usage: "/leave [room_id]", description: "Leave a room"},
		{trigger: "/delete", usage: "/delete [room_id]", description: "Delete a room and its messages"},
		{trigger: "/older", usage: "/older", description: "Load older messages"},
		{trigger: "/read", usage: "/read", description: "Mark loaded messages as read"},
		{trigger: "/search", usage: "/search <prefix>", description: "Search users by display name"},
		{trigger: "/upload", usage: "/upload <path>", description: "Send a file to the active room"},
		{trigger: "/images", usage: "/images <path> [path ...]", description: "Send up to five images"},
		{trigger: "/help", usage: "/help", description: "Show command help"},
		{trigger: "/quit", usage: "/quit", description: "Exit the client"},
	}
}

const uploadTimeout = 10 * time.Minute
