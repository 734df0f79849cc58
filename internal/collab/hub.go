package collab

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"codeplay/internal/protocol"
	"codeplay/internal/session"
)

var (
	// ErrUnknownOperation is returned for a file operation other than
	// create, rename or delete.
	ErrUnknownOperation = errors.New("unknown file operation")

	// ErrNotInSession is returned when a client acts on a session it has
	// not joined.
	ErrNotInSession = errors.New("not a member of this session")
	ErrMemberClosed = errors.New("member is closed")
)

// RoomState describes whether anyone is subscribed to a session.
type RoomState string

const (
	RoomNone   RoomState = "NO_ROOM"
	RoomActive RoomState = "ACTIVE"
)

// Operation is a structural change to a session's file set.
type Operation struct {
	Kind     string // protocol.OpCreate, OpRename or OpDelete
	Filename string
	NewName  string
}

// Hub fans session events out to room members. Every mutation is applied to
// the store and published while holding the room lock, so members observe
// changes in store order and a join snapshot never races an edit.
type Hub struct {
	store  *session.Store
	logger *slog.Logger

	mu          sync.Mutex
	rooms       map[string]*room
	memberships map[*Member]map[string]bool
}

type room struct {
	mu      sync.Mutex
	members map[string]*Member
}

// NewHub creates a hub backed by store.
func NewHub(store *session.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:       store,
		logger:      logger.With("component", "collab"),
		rooms:       make(map[string]*room),
		memberships: make(map[*Member]map[string]bool),
	}
}

// room returns the room for sessionID, creating it on first use. Room
// objects live as long as their session so that a lock is never split
// between an old and a new room for the same session.
func (h *Hub) room(sessionID string) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[sessionID]
	if ok {
		return r, nil
	}
	if !h.store.Exists(sessionID) {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	r = &room{members: make(map[string]*Member)}
	h.rooms[sessionID] = r
	return r, nil
}

// RoomState reports NO_ROOM when a session has no members.
func (h *Hub) RoomState(sessionID string) RoomState {
	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	h.mu.Unlock()
	if !ok {
		return RoomNone
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) == 0 {
		return RoomNone
	}
	return RoomActive
}

// Members lists the clients currently in a session's room, sorted by id.
func (h *Hub) Members(sessionID string) []protocol.MemberInfo {
	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	h.mu.Unlock()
	if !ok {
		return []protocol.MemberInfo{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memberInfo()
}

func (r *room) memberInfo() []protocol.MemberInfo {
	infos := make([]protocol.MemberInfo, 0, len(r.members))
	for _, m := range r.members {
		infos = append(infos, protocol.MemberInfo{ClientID: m.ID, Name: m.Name})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ClientID < infos[j].ClientID })
	return infos
}

// publish delivers msg to every member except the one with excludeID.
// Members that cannot keep up are evicted and closed; a lost update would
// leave them diverged from the store.
func (h *Hub) publish(sessionID string, r *room, msg *protocol.Message, excludeID string) {
	var evicted []*Member
	for id, m := range r.members {
		if id == excludeID {
			continue
		}
		if !m.Send(msg) {
			evicted = append(evicted, m)
		}
	}
	for _, m := range evicted {
		h.logger.Warn("evicting slow member", "session", sessionID, "client", m.ID)
		delete(r.members, m.ID)
		h.untrack(m, sessionID)
		m.Close()
	}
	if len(evicted) == 0 {
		return
	}
	for _, m := range evicted {
		notice := protocol.MustMessage(protocol.TypeSessionUserLeft, protocol.PresencePayload{
			SessionID: sessionID,
			ClientID:  m.ID,
			Name:      m.Name,
			Members:   len(r.members),
		})
		for _, other := range r.members {
			other.Send(notice)
		}
	}
}

func (h *Hub) track(m *Member, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.memberships[m]
	if !ok {
		set = make(map[string]bool)
		h.memberships[m] = set
	}
	set[sessionID] = true
}

func (h *Hub) untrack(m *Member, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.memberships[m]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(h.memberships, m)
		}
	}
}

// requireMember rejects events from clients outside the room. A nil
// member is the server itself.
func (r *room) requireMember(sessionID string, m *Member) error {
	if m == nil {
		return nil
	}
	if _, ok := r.members[m.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotInSession, sessionID)
	}
	return nil
}

func clientID(m *Member) string {
	if m == nil {
		return ""
	}
	return m.ID
}

// Join adds m to the session's room, sends it the full snapshot and tells
// the rest of the room.
func (h *Hub) Join(sessionID string, m *Member) error {
	r, err := h.room(sessionID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.Closed() {
		return fmt.Errorf("%w: %s", ErrMemberClosed, m.ID)
	}

	sess, err := h.store.Get(sessionID)
	if err != nil {
		return err
	}

	_, already := r.members[m.ID]
	r.members[m.ID] = m
	h.track(m, sessionID)
	if !already {
		h.store.RecordActivity(sessionID, session.Activity{Type: session.ActivityJoined, ClientID: m.ID})
	}

	activity, _ := h.store.Activity(sessionID)
	snapshot := protocol.MustMessage(protocol.TypeSessionSnapshot, protocol.SessionSnapshotPayload{
		SessionID:       sess.ID,
		ClientID:        m.ID,
		Files:           sess.Files,
		FolderStructure: sess.FolderStructure,
		FolderName:      sess.FolderName,
		CurrentFile:     sess.CurrentFile,
		Revision:        sess.Revision,
		Members:         r.memberInfo(),
		Activity:        toEntries(activity),
	})
	if !m.Send(snapshot) {
		delete(r.members, m.ID)
		h.untrack(m, sessionID)
		m.Close()
		return fmt.Errorf("deliver snapshot to %s: outbox full", m.ID)
	}

	h.logger.Info("member joined", "session", sessionID, "client", m.ID, "members", len(r.members))
	if already {
		return nil
	}
	h.publish(sessionID, r, protocol.MustMessage(protocol.TypeSessionUserJoined, protocol.PresencePayload{
		SessionID: sessionID,
		ClientID:  m.ID,
		Name:      m.Name,
		Members:   len(r.members),
	}), m.ID)
	return nil
}

func toEntries(activity []session.Activity) []protocol.ActivityEntry {
	entries := make([]protocol.ActivityEntry, 0, len(activity))
	for _, a := range activity {
		entries = append(entries, protocol.ActivityEntry{
			Type:      string(a.Type),
			ClientID:  a.ClientID,
			Filename:  a.Filename,
			NewName:   a.NewName,
			Timestamp: a.Timestamp,
		})
	}
	return entries
}

// Leave removes m from the session's room. Leaving a room one is not in
// is a no-op.
func (h *Hub) Leave(sessionID string, m *Member) {
	r, err := h.room(sessionID)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h.leaveLocked(sessionID, r, m)
}

func (h *Hub) leaveLocked(sessionID string, r *room, m *Member) {
	if _, ok := r.members[m.ID]; !ok {
		return
	}
	delete(r.members, m.ID)
	h.untrack(m, sessionID)
	h.store.RecordActivity(sessionID, session.Activity{Type: session.ActivityLeft, ClientID: m.ID})
	h.logger.Info("member left", "session", sessionID, "client", m.ID, "members", len(r.members))

	h.publish(sessionID, r, protocol.MustMessage(protocol.TypeSessionUserLeft, protocol.PresencePayload{
		SessionID: sessionID,
		ClientID:  m.ID,
		Name:      m.Name,
		Members:   len(r.members),
	}), m.ID)
}

// LeaveAll removes m from every room it joined. Called on disconnect.
func (h *Hub) LeaveAll(m *Member) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.memberships[m]))
	for id := range h.memberships[m] {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Leave(id, m)
	}
}

// CodeChange writes content through to the store and relays it to every
// other member. Concurrent edits resolve as last writer wins.
func (h *Hub) CodeChange(sessionID, filename, content string, from *Member) error {
	r, err := h.room(sessionID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireMember(sessionID, from); err != nil {
		return err
	}

	if _, err := h.store.ApplyFileUpdate(sessionID, filename, content); err != nil {
		return err
	}
	h.publish(sessionID, r, protocol.MustMessage(protocol.TypeCodeUpdate, protocol.CodeUpdatePayload{
		SessionID: sessionID,
		Filename:  filename,
		Content:   content,
		ClientID:  clientID(from),
	}), clientID(from))
	return nil
}

// FileOperation applies a create, rename or delete and broadcasts it when
// it changed the session. Unknown names on rename/delete are no-ops.
func (h *Hub) FileOperation(sessionID string, op Operation, from *Member) error {
	r, err := h.room(sessionID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireMember(sessionID, from); err != nil {
		return err
	}

	var (
		msgType  string
		activity session.ActivityType
		payload  = protocol.FileEventPayload{
			SessionID: sessionID,
			Filename:  op.Filename,
			ClientID:  clientID(from),
		}
	)

	switch op.Kind {
	case protocol.OpCreate:
		if err := h.store.CreateFile(sessionID, op.Filename); err != nil {
			return err
		}
		empty := ""
		payload.Content = &empty
		msgType, activity = protocol.TypeFileCreated, session.ActivityFileCreated

	case protocol.OpRename:
		changed, err := h.store.RenameFile(sessionID, op.Filename, op.NewName)
		if err != nil || !changed {
			return err
		}
		payload.NewName = op.NewName
		msgType, activity = protocol.TypeFileRenamed, session.ActivityFileRenamed

	case protocol.OpDelete:
		changed, err := h.store.DeleteFile(sessionID, op.Filename)
		if err != nil || !changed {
			return err
		}
		msgType, activity = protocol.TypeFileDeleted, session.ActivityFileDeleted

	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperation, op.Kind)
	}

	h.store.RecordActivity(sessionID, session.Activity{
		Type:     activity,
		ClientID: clientID(from),
		Filename: op.Filename,
		NewName:  op.NewName,
	})
	h.logger.Debug("file operation", "session", sessionID, "op", op.Kind, "file", op.Filename)
	h.publish(sessionID, r, protocol.MustMessage(msgType, payload), clientID(from))
	return nil
}

// FileSwitch moves the session's current-file marker so passive viewers
// follow the driver.
func (h *Hub) FileSwitch(sessionID, filename string, content *string, from *Member) error {
	r, err := h.room(sessionID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireMember(sessionID, from); err != nil {
		return err
	}

	if err := h.store.SetCurrentFile(sessionID, filename, content); err != nil {
		return err
	}
	h.store.RecordActivity(sessionID, session.Activity{
		Type:     session.ActivityFileSwitched,
		ClientID: clientID(from),
		Filename: filename,
	})
	h.publish(sessionID, r, protocol.MustMessage(protocol.TypeFileSwitched, protocol.FileEventPayload{
		SessionID: sessionID,
		Filename:  filename,
		Content:   content,
		ClientID:  clientID(from),
	}), clientID(from))
	return nil
}

// FileOpened relays a presence notice. The session is not modified.
func (h *Hub) FileOpened(sessionID, filename string, from *Member) error {
	r, err := h.room(sessionID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireMember(sessionID, from); err != nil {
		return err
	}

	h.publish(sessionID, r, protocol.MustMessage(protocol.TypeFileOpened, protocol.FileEventPayload{
		SessionID: sessionID,
		Filename:  filename,
		ClientID:  clientID(from),
	}), clientID(from))
	return nil
}
