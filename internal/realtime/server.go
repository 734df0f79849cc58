package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"codeplay/internal/collab"
	"codeplay/internal/executor"
	"codeplay/internal/idgen"
	"codeplay/internal/protocol"
	"codeplay/internal/session"
	"codeplay/internal/shell"
	"codeplay/internal/workspace"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

var errShuttingDown = errors.New("server is shutting down")

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	maxMessage    = 4 << 20
)

// Options configure the front end.
type Options struct {
	ShareBaseURL    string
	StaticDir       string
	AllowedOrigins  []string
	OutboxSize      int
	WorkspaceRoot   string
	WorkspaceLimits workspace.Limits
}

// Deps are the components the server routes requests to. Shell and Watcher
// may be nil.
type Deps struct {
	Store    *session.Store
	Hub      *collab.Hub
	Executor *executor.Dispatcher
	Shell    *shell.Relay
	Watcher  *workspace.Watcher
}

// Server manages WebSocket connections and routes messages between
// clients, the collaboration hub, the executor and the shell relay.
type Server struct {
	store    *session.Store
	hub      *collab.Hub
	exec     *executor.Dispatcher
	shell    *shell.Relay
	watcher  *workspace.Watcher
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	clients   map[*client]bool
	closing   bool
	clientsMu sync.RWMutex

	// background tracks execute and shell work started from WebSocket
	// messages. Add is only called under clientsMu while closing is false.
	background sync.WaitGroup
}

type client struct {
	conn   *websocket.Conn
	member *collab.Member
	server *Server
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a realtime server.
func New(deps Deps, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:   deps.Store,
		hub:     deps.Hub,
		exec:    deps.Executor,
		shell:   deps.Shell,
		watcher: deps.Watcher,
		opts:    opts,
		logger:  logger.With("component", "realtime"),
		clients: make(map[*client]bool),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	router.GET("/ws", s.handleWebSocket)
	router.GET("/health", s.handleHealth)

	router.POST("/api/session", s.handleCreateSession)
	router.POST("/api/session/import", s.handleImportSession)
	router.GET("/api/session/:id", s.handleGetSession)
	router.POST("/api/execute", s.handleExecute)
	router.GET("/api/languages", s.handleLanguages)

	if s.opts.StaticDir != "" {
		router.NotFound = http.FileServer(http.Dir(s.opts.StaticDir))
	}

	return s.corsMiddleware(router)
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, "*") || slices.Contains(s.opts.AllowedOrigins, origin)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case len(s.opts.AllowedOrigins) == 0 || slices.Contains(s.opts.AllowedOrigins, "*"):
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(s.opts.AllowedOrigins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match")
		w.Header().Set("Access-Control-Expose-Headers", "ETag")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket. An optional
// ?name= query parameter labels the client in presence events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessage)

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:   conn,
		member: collab.NewMember(idgen.NewClientID(), r.URL.Query().Get("name"), s.opts.OutboxSize),
		server: s,
		ctx:    ctx,
		cancel: cancel,
	}

	s.clientsMu.Lock()
	if s.closing {
		s.clientsMu.Unlock()
		cancel()
		conn.Close()
		return
	}
	s.clients[c] = true
	s.clientsMu.Unlock()
	s.logger.Debug("client connected", "client", c.member.ID)

	if s.shell != nil && s.shell.Enabled() {
		c.send(protocol.MustMessage(protocol.TypeShellOutput, protocol.ShellOutputPayload{
			Output: "Connected to terminal\n",
		}))
	}

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", "client", c.member.ID, "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump drains the member's outbox onto the connection. It stops when
// the member is closed, which also happens when the hub evicts a client
// that fell behind.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.member.Outbox():
			data, err := json.Marshal(msg)
			if err != nil {
				c.server.logger.Error("marshal message", "type", msg.Type, "error", err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.member.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// send queues a reply for this client only.
func (c *client) send(msg *protocol.Message) {
	if !c.member.Send(msg) {
		c.server.logger.Warn("dropping reply", "client", c.member.ID, "type", msg.Type)
	}
}

func (c *client) sendError(code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		c.server.logger.Error("build error message", "code", code, "error", err)
		return
	}
	c.send(msg)
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	c.cancel()
	s.hub.LeaveAll(c.member)
	c.member.Close()
	s.logger.Debug("client disconnected", "client", c.member.ID)
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		c.sendError(protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionJoin:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		s.reply(c, s.hub.Join(p.SessionID, c.member))

	case protocol.TypeSessionLeave:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		s.hub.Leave(p.SessionID, c.member)

	case protocol.TypeCodeChange:
		var p protocol.CodeChangePayload
		json.Unmarshal(msg.Payload, &p)
		s.reply(c, s.hub.CodeChange(p.SessionID, p.Filename, p.Content, c.member))

	case protocol.TypeFileOperation:
		var p protocol.FileOperationPayload
		json.Unmarshal(msg.Payload, &p)
		s.reply(c, s.hub.FileOperation(p.SessionID, collab.Operation{
			Kind:     p.Operation,
			Filename: p.Filename,
			NewName:  p.NewName,
		}, c.member))

	case protocol.TypeFileSwitch:
		var p protocol.FileSwitchPayload
		json.Unmarshal(msg.Payload, &p)
		s.reply(c, s.hub.FileSwitch(p.SessionID, p.Filename, p.Content, c.member))

	case protocol.TypeFileOpened:
		var p protocol.FileOpenedPayload
		json.Unmarshal(msg.Payload, &p)
		s.reply(c, s.hub.FileOpened(p.SessionID, p.Filename, c.member))

	case protocol.TypeExecute:
		var p protocol.ExecutePayload
		json.Unmarshal(msg.Payload, &p)
		if !s.goBackground(func() { s.handleWSExecute(c, p) }) {
			c.sendError(protocol.ErrInternal, errShuttingDown.Error())
		}

	case protocol.TypeShellCommand:
		var p protocol.ShellCommandPayload
		json.Unmarshal(msg.Payload, &p)
		if !s.goBackground(func() { s.handleWSShell(c, p) }) {
			c.sendError(protocol.ErrInternal, errShuttingDown.Error())
		}
	}
}

// goBackground runs fn on its own goroutine unless the server is shutting
// down.
func (s *Server) goBackground(fn func()) bool {
	s.clientsMu.Lock()
	if s.closing {
		s.clientsMu.Unlock()
		return false
	}
	s.background.Add(1)
	s.clientsMu.Unlock()

	go func() {
		defer s.background.Done()
		fn()
	}()
	return true
}

// reply reports a failed operation back to the originating client.
func (s *Server) reply(c *client, err error) {
	if err == nil {
		return
	}
	code := errorCode(err)
	if code == protocol.ErrInternal {
		s.logger.Error("operation failed", "client", c.member.ID, "error", err)
	}
	c.sendError(code, err.Error())
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return protocol.ErrSessionNotFound
	case errors.Is(err, session.ErrFileExists):
		return protocol.ErrFileExists
	case errors.Is(err, session.ErrFileNotFound):
		return protocol.ErrFileNotFound
	case errors.Is(err, session.ErrInvalidFilename):
		return protocol.ErrInvalidFilename
	case errors.Is(err, collab.ErrNotInSession):
		return protocol.ErrNotInSession
	case errors.Is(err, collab.ErrUnknownOperation):
		return protocol.ErrInvalidMessage
	case errors.Is(err, shell.ErrDisabled):
		return protocol.ErrShellDisabled
	default:
		return protocol.ErrInternal
	}
}

// handleWSExecute runs one execution off the read loop and replies with an
// execute.result carrying the caller's request id.
func (s *Server) handleWSExecute(c *client, p protocol.ExecutePayload) {
	res, err := s.exec.Execute(c.ctx, executor.Request{
		Code:     p.Code,
		Language: executor.Language(p.Language),
		Filename: p.Filename,
	})

	payload := protocol.ExecuteResultPayload{RequestID: p.RequestID}
	var execErr *executor.Error
	switch {
	case errors.As(err, &execErr):
		payload.Error = execErr.Message
		payload.Kind = string(execErr.Kind)
		payload.ExitCode = -1
	case err != nil:
		payload.Error = err.Error()
		payload.Kind = string(executor.KindInternal)
		payload.ExitCode = -1
	default:
		payload.Output = res.Output
		payload.Error = res.Error
		payload.Kind = string(res.Kind)
		payload.ExitCode = res.ExitCode
		payload.DurationMs = res.DurationMs
	}
	c.send(protocol.MustMessage(protocol.TypeExecuteResult, payload))
}

func (s *Server) handleWSShell(c *client, p protocol.ShellCommandPayload) {
	if s.shell == nil {
		c.sendError(protocol.ErrShellDisabled, shell.ErrDisabled.Error())
		return
	}
	out, err := s.shell.Send(c.ctx, p.Command)
	if errors.Is(err, shell.ErrDisabled) {
		c.sendError(protocol.ErrShellDisabled, err.Error())
		return
	}
	if err != nil {
		s.logger.Warn("shell command failed", "client", c.member.ID, "error", err)
		out += err.Error()
	}
	c.send(protocol.MustMessage(protocol.TypeShellOutput, protocol.ShellOutputPayload{Output: out}))
}

// OnDiskChange is the workspace watcher callback. Only what changed on disk
// between prev and next is applied, through the hub as a server-originated
// edit, so collaborators' edits to other files are kept.
func (s *Server) OnDiskChange(sessionID string, prev, next *workspace.Tree) {
	if !s.store.Exists(sessionID) {
		if s.watcher != nil {
			s.watcher.Unwatch(sessionID)
		}
		return
	}

	var base map[string]string
	if prev != nil {
		base = prev.Files
	}
	changes := workspace.Diff(base, next)
	for _, ch := range changes {
		var err error
		switch ch.Kind {
		case workspace.ChangeCreate:
			err = s.hub.FileOperation(sessionID, collab.Operation{Kind: protocol.OpCreate, Filename: ch.Path}, nil)
			switch {
			case errors.Is(err, session.ErrFileExists):
				err = s.hub.CodeChange(sessionID, ch.Path, ch.Content, nil)
			case err == nil && ch.Content != "":
				err = s.hub.CodeChange(sessionID, ch.Path, ch.Content, nil)
			}
		case workspace.ChangeUpdate:
			err = s.hub.CodeChange(sessionID, ch.Path, ch.Content, nil)
		case workspace.ChangeDelete:
			err = s.hub.FileOperation(sessionID, collab.Operation{Kind: protocol.OpDelete, Filename: ch.Path}, nil)
		}
		if err != nil {
			s.logger.Warn("apply disk change", "session", sessionID, "file", ch.Path, "kind", ch.Kind, "error", err)
		}
	}
	if len(changes) > 0 {
		s.logger.Info("synced from disk", "session", sessionID, "changes", len(changes))
	}
}

// Shutdown closes every client connection and waits for in-flight
// executions and shell commands to finish or ctx to expire. Execute and
// shell requests arriving afterwards are refused.
func (s *Server) Shutdown(ctx context.Context) error {
	s.clientsMu.Lock()
	s.closing = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		c.cancel()
		c.member.Close()
	}

	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
