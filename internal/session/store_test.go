package session

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"codeplay/internal/idgen"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

// assertConsistent checks that the folder structure and the file map hold
// exactly the same names.
func assertConsistent(t *testing.T, sess *Session) {
	t.Helper()
	keys := make([]string, 0, len(sess.Files))
	for k := range sess.Files {
		keys = append(keys, k)
	}
	structure := append([]string{}, sess.FolderStructure...)
	sort.Strings(keys)
	sort.Strings(structure)
	assert.Equal(t, keys, structure, "folder structure and files diverged")
}

func newSession(t *testing.T, store *Store) *Session {
	t.Helper()
	sess, err := store.Create(CreateParams{
		Files:           map[string]string{"a.py": "print(1)", "b.js": "x", "c.c": ""},
		FolderStructure: []string{"a.py", "b.js", "c.c"},
		FolderName:      "demo",
		CurrentFile:     strPtr("a.py"),
	})
	require.NoError(t, err)
	return sess
}

func TestStore_Create(t *testing.T) {
	store := NewStore()
	sess := newSession(t, store)

	assert.Len(t, sess.ID, idgen.TokenLength)
	assert.Equal(t, "demo", sess.FolderName)
	assert.Equal(t, []string{"a.py", "b.js", "c.c"}, sess.FolderStructure)
	require.NotNil(t, sess.CurrentFile)
	assert.Equal(t, "a.py", *sess.CurrentFile)
	assert.False(t, sess.CreatedAt.IsZero())
	assertConsistent(t, sess)
}

func TestStore_CreateReconcilesStructure(t *testing.T) {
	store := NewStore()
	sess, err := store.Create(CreateParams{
		Files:           map[string]string{"z.py": "z", "m.py": "m", "a.py": "a"},
		FolderStructure: []string{"m.py", "ghost.js", "m.py"},
		CurrentFile:     strPtr("missing.py"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"m.py", "ghost.js", "a.py", "z.py"}, sess.FolderStructure)
	assert.Equal(t, "", sess.Files["ghost.js"])
	assert.Nil(t, sess.CurrentFile)
	assert.Equal(t, defaultFolderName, sess.FolderName)
	assertConsistent(t, sess)
}

func TestStore_CreateRejectsInvalidFilename(t *testing.T) {
	store := NewStore()
	_, err := store.Create(CreateParams{Files: map[string]string{"": "x"}})
	assert.ErrorIs(t, err, ErrInvalidFilename)
	assert.Equal(t, 0, store.Len())
}

func TestStore_CreateRetriesOnCollision(t *testing.T) {
	orig := idgen.NewFunc
	defer func() { idgen.NewFunc = orig }()

	ids := []string{"dup00000", "dup00000", "fresh000"}
	idgen.NewFunc = func() string {
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id
	}

	store := NewStore()
	first, err := store.Create(CreateParams{Files: map[string]string{"keep.txt": "original"}})
	require.NoError(t, err)
	require.Equal(t, "dup00000", first.ID)

	second, err := store.Create(CreateParams{})
	require.NoError(t, err)
	assert.Equal(t, "fresh000", second.ID)

	got, err := store.Get("dup00000")
	require.NoError(t, err)
	assert.Equal(t, "original", got.Files["keep.txt"], "existing session must not be overwritten")
}

func TestStore_CreateGivesUpAfterRepeatedCollisions(t *testing.T) {
	orig := idgen.NewFunc
	defer func() { idgen.NewFunc = orig }()
	idgen.NewFunc = func() string { return "same0000" }

	store := NewStore()
	_, err := store.Create(CreateParams{})
	require.NoError(t, err)

	_, err = store.Create(CreateParams{})
	assert.ErrorIs(t, err, ErrIDExhausted)
	assert.Equal(t, 1, store.Len())
}

func TestStore_MaxSessions(t *testing.T) {
	store := NewStore(WithMaxSessions(1))
	_, err := store.Create(CreateParams{})
	require.NoError(t, err)
	_, err = store.Create(CreateParams{})
	assert.ErrorIs(t, err, ErrMaxSessions)
}

func TestStore_GetNotFound(t *testing.T) {
	store := NewStore()
	_, err := store.Get("nonexistent")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	store := NewStore()
	sess := newSession(t, store)

	sess.Files["a.py"] = "mutated"
	sess.FolderStructure[0] = "mutated"

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "print(1)", got.Files["a.py"])
	assert.Equal(t, "a.py", got.FolderStructure[0])
}

func TestStore_ApplyFileUpdate(t *testing.T) {
	store := NewStore()
	sess := newSession(t, store)

	updated, err := store.ApplyFileUpdate(sess.ID, "a.py", "print(2)")
	require.NoError(t, err)
	assert.Equal(t, "print(2)", updated.Files["a.py"])
	assert.Equal(t, sess.FolderStructure, updated.FolderStructure)
	assert.Equal(t, sess.Revision+1, updated.Revision)
}

func TestStore_ApplyFileUpdateAppendsUnknownFile(t *testing.T) {
	store := NewStore()
	sess := newSession(t, store)

	updated, err := store.ApplyFileUpdate(sess.ID, "new.py", "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "b.js", "c.c", "new.py"}, updated.FolderStructure)
	assertConsistent(t, updated)
}

func TestStore_ApplyFileUpdateNotFound(t *testing.T) {
	store := NewStore()
	_, err := store.ApplyFileUpdate("nope", "a.py", "x")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStore_CreateFile(t *testing.T) {
	store := NewStore()
	sess := newSession(t, store)

	require.NoError(t, store.CreateFile(sess.ID, "d.java"))
	got, _ := store.Get(sess.ID)
	assert.Equal(t, "", got.Files["d.java"])
	assert.Equal(t, "d.java", got.FolderStructure[len(got.FolderStructure)-1])
	assertConsistent(t, got)
}

func TestStore_CreateFileRejectsExisting(t *testing.T) {
	store := NewStore()
	sess := newSession(t, store)

	err := store.CreateFile(sess.ID, "a.py")
	assert.ErrorIs(t, err, ErrFileExists)

	got, _ := store.Get(sess.ID)
	assert.Equal(t, "print(1)", got.Files["a.py"], "content must survive a duplicate create")
	assert.Equal(t, sess.Revision, got.Revision)
	assertConsistent(t, got)
}

func TestStore_RenamePreservesContentAndPosition(t *testing.T) {
	store := NewStore()
	sess := newSession(t, store)

	changed, err := store.RenameFile(sess.ID, "b.js", "renamed.js")
	require.NoError(t, err)
	assert.True(t, changed)

	got, _ := store.Get(sess.ID)
	assert.Equal(t, []string{"a.py", "renamed.js", "c.c"}, got.FolderStructure)
	assert.Equal(t, "x", got.Files["renamed.js"])
	assert.NotContains(t, got.Files, "b.js")
	assertConsistent(t, got)
}

func TestStore_RenameMovesCurrentFile(t *testing.T) {
	store := NewStore()
	sess := newSession(t, store)

	_, err := store.RenameFile(sess.ID, "a.py", "main.py")
	require.NoError(t, err)

	got, _ := store.Get(sess.ID)
	require.NotNil(t, got.CurrentFile)
	assert.Equal(t, "main.py", *got.CurrentFile)
}

func TestStore_RenameUnknownIsNoop(t *testing.T) {
	store := NewStore()
	sess := newSession(t, store)

	changed, err := store.RenameFile(sess.ID, "ghost.py", "other.py")
	require.NoError(t, err)
	assert.False(t, changed)

	got, _ := store.Get(sess.ID)
	assert.Equal(t, sess.FolderStructure, got.FolderStructure)
	assert.Equal(t, sess.Revision, got.Revision)
}

func TestStore_RenameOntoExistingRejected(t *testing.T) {
	store := NewStore()
	sess := newSession(t, store)

	_, err := store.RenameFile(sess.ID, "a.py", "b.js")
	assert.ErrorIs(t, err, ErrFileExists)

	got, _ := store.Get(sess.ID)
	assert.Equal(t, "print(1)", got.Files["a.py"])
	assert.Equal(t, "x", got.Files["b.js"])
	assertConsistent(t, got)
}

func TestStore_DeleteFile(t *testing.T) {
	store := NewStore()
	sess := newSession(t, store)

	changed, err := store.DeleteFile(sess.ID, "a.py")
	require.NoError(t, err)
	assert.True(t, changed)

	got, _ := store.Get(sess.ID)
	assert.Equal(t, []string{"b.js", "c.c"}, got.FolderStructure)
	assert.Nil(t, got.CurrentFile)
	assertConsistent(t, got)
}

func TestStore_DeleteMissingIsNoop(t *testing.T) {
	store := NewStore()
	sess := newSession(t, store)

	changed, err := store.DeleteFile(sess.ID, "ghost.py")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestStore_SetCurrentFile(t *testing.T) {
	store := NewStore()
	sess := newSession(t, store)

	require.NoError(t, store.SetCurrentFile(sess.ID, "b.js", nil))
	got, _ := store.Get(sess.ID)
	assert.Equal(t, "b.js", *got.CurrentFile)
	assert.Equal(t, "x", got.Files["b.js"])

	err := store.SetCurrentFile(sess.ID, "ghost.js", nil)
	assert.ErrorIs(t, err, ErrFileNotFound)

	require.NoError(t, store.SetCurrentFile(sess.ID, "fresh.js", strPtr("let y")))
	got, _ = store.Get(sess.ID)
	assert.Equal(t, "fresh.js", *got.CurrentFile)
	assert.Equal(t, "let y", got.Files["fresh.js"])
	assertConsistent(t, got)
}

func TestStore_Activity(t *testing.T) {
	store := NewStore(WithActivityCapacity(2))
	sess := newSession(t, store)

	store.RecordActivity(sess.ID, Activity{Type: ActivityJoined, ClientID: "c1"})
	store.RecordActivity(sess.ID, Activity{Type: ActivityFileCreated, Filename: "x"})
	store.RecordActivity(sess.ID, Activity{Type: ActivityLeft, ClientID: "c1"})
	store.RecordActivity("missing", Activity{Type: ActivityJoined})

	entries, err := store.Activity(sess.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActivityFileCreated, entries[0].Type)
	assert.Equal(t, ActivityLeft, entries[1].Type)
	assert.False(t, entries[1].Timestamp.IsZero())

	_, err = store.Activity("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStore_ConcurrentMutationsStayConsistent(t *testing.T) {
	store := NewStore()
	sess := newSession(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("f%d.py", i)
			_ = store.CreateFile(sess.ID, name)
			_, _ = store.ApplyFileUpdate(sess.ID, name, "body")
			_, _ = store.RenameFile(sess.ID, name, name+".bak")
			if i%2 == 0 {
				_, _ = store.DeleteFile(sess.ID, name+".bak")
			}
		}(i)
	}
	wg.Wait()

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.Files, 3+10)
	assertConsistent(t, got)
}
