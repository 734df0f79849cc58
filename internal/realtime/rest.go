package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"codeplay/internal/executor"
	"codeplay/internal/session"
	"codeplay/internal/workspace"

	"github.com/cespare/xxhash/v2"
	"github.com/julienschmidt/httprouter"
)

const maxBody = 8 << 20

type createSessionRequest struct {
	Files           map[string]string `json:"files"`
	FolderStructure []string          `json:"folder_structure"`
	FolderName      string            `json:"folder_name"`
	CurrentFile     *string           `json:"current_file"`
	Owner           string            `json:"owner"`
}

type importSessionRequest struct {
	Path  string `json:"path"`
	Watch bool   `json:"watch"`
	Owner string `json:"owner"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	ShareURL  string `json:"share_url"`
}

type sessionView struct {
	SessionID       string            `json:"session_id"`
	Files           map[string]string `json:"files"`
	FolderStructure []string          `json:"folder_structure"`
	FolderName      string            `json:"folder_name"`
	CurrentFile     *string           `json:"current_file"`
	Owner           string            `json:"owner,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	Revision        uint64            `json:"revision"`
}

type executeRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Filename string `json:"filename"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// decodeBody decodes a JSON request body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) shareURL(id string) string {
	return strings.TrimRight(s.opts.ShareBaseURL, "/") + "/session/" + id
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.store.Create(session.CreateParams{
		Files:           req.Files,
		FolderStructure: req.FolderStructure,
		FolderName:      req.FolderName,
		Owner:           req.Owner,
		CurrentFile:     req.CurrentFile,
	})
	if err != nil {
		s.writeCreateError(w, err)
		return
	}

	s.logger.Info("session created", "session", sess.ID, "files", len(sess.FolderStructure))
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: sess.ID, ShareURL: s.shareURL(sess.ID)})
}

func (s *Server) writeCreateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidFilename):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrMaxSessions):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("create session", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleImportSession creates a session from a directory under the
// workspace root and optionally keeps it synced with the disk.
func (s *Server) handleImportSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req importSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	dir, err := workspace.Resolve(s.opts.WorkspaceRoot, req.Path)
	if err != nil {
		switch {
		case errors.Is(err, workspace.ErrImportDisabled):
			writeError(w, http.StatusForbidden, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	tree, err := workspace.Load(dir, s.opts.WorkspaceLimits)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			writeError(w, http.StatusNotFound, "directory not found")
		case errors.Is(err, workspace.ErrNotDirectory):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, workspace.ErrTooManyFiles):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	sess, err := s.store.Create(session.CreateParams{
		Files:           tree.Files,
		FolderStructure: tree.Structure,
		FolderName:      tree.Name,
		Owner:           req.Owner,
	})
	if err != nil {
		s.writeCreateError(w, err)
		return
	}

	if req.Watch && s.watcher != nil {
		if err := s.watcher.Watch(sess.ID, dir, tree); err != nil {
			s.logger.Warn("watch imported directory", "session", sess.ID, "error", err)
		}
	}

	s.logger.Info("session imported", "session", sess.ID, "dir", dir, "files", len(tree.Structure))
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: sess.ID, ShareURL: s.shareURL(sess.ID)})
}

// handleGetSession returns a snapshot. The ETag is a hash of the body so
// polling clients can revalidate cheaply.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sess, err := s.store.Get(ps.ByName("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	body, err := json.Marshal(sessionView{
		SessionID:       sess.ID,
		Files:           sess.Files,
		FolderStructure: sess.FolderStructure,
		FolderName:      sess.FolderName,
		CurrentFile:     sess.CurrentFile,
		Owner:           sess.Owner,
		CreatedAt:       sess.CreatedAt,
		Revision:        sess.Revision,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	etag := `"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// handleExecute always answers 200 with {output, error} once the request is
// well formed; only malformed requests get a client error.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.exec.Execute(r.Context(), executor.Request{
		Code:     req.Code,
		Language: executor.Language(req.Language),
		Filename: req.Filename,
	})
	if err != nil {
		var execErr *executor.Error
		if errors.As(err, &execErr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: execErr.Message, Kind: string(execErr.Kind)})
			return
		}
		writeJSON(w, http.StatusOK, errorResponse{Error: err.Error(), Kind: string(executor.KindInternal)})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, executor.Languages())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.store.Len(),
	})
}
