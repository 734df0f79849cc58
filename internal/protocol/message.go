package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// MustMessage is NewMessage for payloads that are known to marshal.
func MustMessage(msgType string, payload interface{}) *Message {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Server → Client message types.
const (
	TypeSessionSnapshot   = "session.snapshot"
	TypeSessionUserJoined = "session.user_joined"
	TypeSessionUserLeft   = "session.user_left"
	TypeCodeUpdate        = "code.update"
	TypeFileCreated       = "file.created"
	TypeFileRenamed       = "file.renamed"
	TypeFileDeleted       = "file.deleted"
	TypeFileSwitched      = "file.switched"
	TypeExecuteResult     = "execute.result"
	TypeShellOutput       = "shell.output"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeSessionJoin   = "session.join"
	TypeSessionLeave  = "session.leave"
	TypeCodeChange    = "code.change"
	TypeFileOperation = "file.operation"
	TypeFileSwitch    = "file.switch"
	TypeFileOpened    = "file.opened"
	TypeExecute       = "execute"
	TypeShellCommand  = "shell.command"
)

// File operations carried by file.operation.
const (
	OpCreate = "create"
	OpRename = "rename"
	OpDelete = "delete"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrFileExists      = "FILE_EXISTS"
	ErrFileNotFound    = "FILE_NOT_FOUND"
	ErrNotInSession    = "NOT_IN_SESSION"
	ErrInvalidFilename = "INVALID_FILENAME"
	ErrShellDisabled   = "SHELL_DISABLED"
	ErrInternal        = "INTERNAL_ERROR"
)

// Server → Client payloads.

type SessionSnapshotPayload struct {
	SessionID       string            `json:"session_id"`
	ClientID        string            `json:"client_id"`
	Files           map[string]string `json:"files"`
	FolderStructure []string          `json:"folder_structure"`
	FolderName      string            `json:"folder_name"`
	CurrentFile     *string           `json:"current_file"`
	Revision        uint64            `json:"revision"`
	Members         []MemberInfo      `json:"members"`
	Activity        []ActivityEntry   `json:"activity,omitempty"`
}

type MemberInfo struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name,omitempty"`
}

type ActivityEntry struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"client_id,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	NewName   string    `json:"new_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type PresencePayload struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
	Name      string `json:"name,omitempty"`
	Members   int    `json:"members"`
}

type CodeUpdatePayload struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
	Content   string `json:"content"`
	ClientID  string `json:"client_id,omitempty"`
}

type FileEventPayload struct {
	SessionID string  `json:"session_id"`
	Filename  string  `json:"filename"`
	NewName   string  `json:"new_name,omitempty"`
	Content   *string `json:"content,omitempty"`
	ClientID  string  `json:"client_id,omitempty"`
}

type ExecuteResultPayload struct {
	RequestID  string `json:"request_id,omitempty"`
	Output     string `json:"output"`
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

type ShellOutputPayload struct {
	Output string `json:"output"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

// SessionIDPayload is used by session.join and session.leave.
type SessionIDPayload struct {
	SessionID string `json:"session_id"`
}

type CodeChangePayload struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
	Content   string `json:"content"`
}

type FileOperationPayload struct {
	SessionID string `json:"session_id"`
	Operation string `json:"operation"`
	Filename  string `json:"filename"`
	NewName   string `json:"new_name,omitempty"`
}

type FileSwitchPayload struct {
	SessionID string  `json:"session_id"`
	Filename  string  `json:"filename"`
	Content   *string `json:"content,omitempty"`
}

type FileOpenedPayload struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
}

type ExecutePayload struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Language  string `json:"language"`
	Filename  string `json:"filename,omitempty"`
}

type ShellCommandPayload struct {
	Command string `json:"command"`
}
