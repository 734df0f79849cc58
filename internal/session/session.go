package session

import (
	"maps"
	"time"
)

// Session is a point-in-time copy of a shared workspace. Files and
// FolderStructure always hold the same set of names.
type Session struct {
	ID              string            `json:"session_id"`
	Files           map[string]string `json:"files"`
	FolderStructure []string          `json:"folder_structure"`
	FolderName      string            `json:"folder_name"`
	Owner           string            `json:"owner"`
	CreatedAt       time.Time         `json:"created_at"`
	CurrentFile     *string           `json:"current_file"`
	Revision        uint64            `json:"revision"`
}

func (s *Session) clone() *Session {
	c := *s
	c.Files = maps.Clone(s.Files)
	if c.Files == nil {
		c.Files = map[string]string{}
	}
	c.FolderStructure = append([]string{}, s.FolderStructure...)
	if s.CurrentFile != nil {
		name := *s.CurrentFile
		c.CurrentFile = &name
	}
	return &c
}

// ActivityType names an entry in a session's activity history.
type ActivityType string

const (
	ActivityJoined       ActivityType = "joined"
	ActivityLeft         ActivityType = "left"
	ActivityFileCreated  ActivityType = "file_created"
	ActivityFileRenamed  ActivityType = "file_renamed"
	ActivityFileDeleted  ActivityType = "file_deleted"
	ActivityFileSwitched ActivityType = "file_switched"
)

// Activity is a single presence or structural event kept for late joiners.
type Activity struct {
	Type      ActivityType `json:"type"`
	ClientID  string       `json:"client_id,omitempty"`
	Filename  string       `json:"filename,omitempty"`
	NewName   string       `json:"new_name,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// CreateParams carries the initial workspace for Store.Create.
type CreateParams struct {
	Files           map[string]string
	FolderStructure []string
	FolderName      string
	Owner           string
	CurrentFile     *string
}
