// Package store implements the Session Store (C3). It persists sessions,
// issues, opinions, reviews, tokens, assist transcripts, and presets as
// atomically-written JSON files — the durable, authoritative record
// required by the external layout of §6 of the specification this engine
// implements. A derived SQLite index (index.go) is kept alongside purely
// to satisfy the retrieval orderings (issues/opinions by insertion time,
// reviews by (turn, submitted_at)); it is never the source of truth and
// can always be rebuilt from the JSON files.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/arvhq/arv/internal/arverr"
	"github.com/arvhq/arv/internal/domain"
)

// FileStore is the authoritative on-disk store. Layout, per §6:
//
//	{root}/sessions/{sid}/session.json
//	{root}/sessions/{sid}/issues/{iid}.json
//	{root}/sessions/{sid}/reviews.json
//	{root}/sessions/{sid}/tokens.json
//	{root}/presets.json
//
// Each Put and DeletePreset takes a per-file mutex internally only to
// protect the on-disk write itself (DeleteSession and DeleteIssue take
// none); cross-entity consistency is the
// lifecycle controller's job (it holds one mutex per session across the
// whole read-modify-write sequence), per §4.3/§5.
type FileStore struct {
	root string

	mu        sync.Mutex
	fileLocks map[string]*sync.Mutex
}

// New opens (creating if absent) a FileStore rooted at root.
func New(root string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "sessions"), 0o755); err != nil {
		return nil, arverr.Wrap(arverr.KindStorage, err, "create storage root")
	}
	return &FileStore{root: root, fileLocks: make(map[string]*sync.Mutex)}, nil
}

func (fs *FileStore) lockFor(path string) *sync.Mutex {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	m, ok := fs.fileLocks[path]
	if !ok {
		m = &sync.Mutex{}
		fs.fileLocks[path] = m
	}
	return m
}

// writeJSON atomically writes v to path via write-to-temp + rename, so a
// crash mid-write can never leave a corrupt file in its place.
func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return arverr.Wrap(arverr.KindStorage, err, "create parent dir")
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return arverr.Wrap(arverr.KindStorage, err, "marshal")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return arverr.Wrap(arverr.KindStorage, err, "write temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return arverr.Wrap(arverr.KindStorage, err, "rename into place")
	}

	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return arverr.New(arverr.KindNotFound, "not found").
				WithContext("path", path)
		}
		return arverr.Wrap(arverr.KindStorage, err, "read file")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return arverr.Wrap(arverr.KindStorage, err, "unmarshal")
	}
	return nil
}

func (fs *FileStore) sessionDir(sessionID string) string {
	return filepath.Join(fs.root, "sessions", sessionID)
}

func (fs *FileStore) sessionPath(sessionID string) string {
	return filepath.Join(fs.sessionDir(sessionID), "session.json")
}

func (fs *FileStore) issuePath(sessionID, issueID string) string {
	return filepath.Join(fs.sessionDir(sessionID), "issues", issueID+".json")
}

func (fs *FileStore) reviewsPath(sessionID string) string {
	return filepath.Join(fs.sessionDir(sessionID), "reviews.json")
}

func (fs *FileStore) tokensPath(sessionID string) string {
	return filepath.Join(fs.sessionDir(sessionID), "tokens.json")
}

func (fs *FileStore) presetsPath() string {
	return filepath.Join(fs.root, "presets.json")
}

// PutSession writes a consistent snapshot of the session (excluding its
// issues, which live in their own per-issue files).
func (fs *FileStore) PutSession(s *domain.Session) error {
	path := fs.sessionPath(s.ID)
	lock := fs.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	return writeJSON(path, s)
}

// GetSession reads a consistent snapshot of one session's top-level
// record. Callers needing issues must also call ListIssues.
func (fs *FileStore) GetSession(sessionID string) (*domain.Session, error) {
	var s domain.Session
	if err := readJSON(fs.sessionPath(sessionID), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns every session's top-level record.
func (fs *FileStore) ListSessions() ([]*domain.Session, error) {
	entries, err := os.ReadDir(filepath.Join(fs.root, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, arverr.Wrap(arverr.KindStorage, err, "list sessions dir")
	}

	var sessions []*domain.Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s, err := fs.GetSession(e.Name())
		if err != nil {
			continue
		}
		sessions = append(sessions, s)
	}

	return sessions, nil
}

// DeleteSession removes a session and all of its sub-records.
func (fs *FileStore) DeleteSession(sessionID string) error {
	if err := os.RemoveAll(fs.sessionDir(sessionID)); err != nil {
		return arverr.Wrap(arverr.KindStorage, err, "delete session dir")
	}
	return nil
}

// PutIssue atomically writes one issue. The insertion-time ordering
// requirement of §4.3 is satisfied by the derived index (index.go), not by
// file layout; ListIssues here returns directory order for a store opened
// with no index.
func (fs *FileStore) PutIssue(sessionID string, issue *domain.Issue) error {
	path := fs.issuePath(sessionID, issue.ID)
	lock := fs.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	return writeJSON(path, issue)
}

// GetIssue reads a consistent snapshot of one issue.
func (fs *FileStore) GetIssue(sessionID, issueID string) (*domain.Issue, error) {
	var issue domain.Issue
	if err := readJSON(fs.issuePath(sessionID, issueID), &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// DeleteIssue removes one issue's file, e.g. when dedup supersedes a
// non-canonical raise into another issue's opinion thread.
func (fs *FileStore) DeleteIssue(sessionID, issueID string) error {
	if err := os.Remove(fs.issuePath(sessionID, issueID)); err != nil && !os.IsNotExist(err) {
		return arverr.Wrap(arverr.KindStorage, err, "delete issue")
	}
	return nil
}

// ListIssues returns every issue file for a session, in directory
// (filesystem) order. Callers needing insertion order should use the
// derived Index instead.
func (fs *FileStore) ListIssues(sessionID string) ([]*domain.Issue, error) {
	dir := filepath.Join(fs.sessionDir(sessionID), "issues")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, arverr.Wrap(arverr.KindStorage, err, "list issues dir")
	}

	var issues []*domain.Issue
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var issue domain.Issue
		if err := readJSON(filepath.Join(dir, e.Name()), &issue); err != nil {
			continue
		}
		issues = append(issues, &issue)
	}

	return issues, nil
}

// reviewFile is the on-disk shape of reviews.json: a flat list, at most one
// entry per (model_id, turn).
type reviewFile struct {
	Reviews []domain.Review `json:"reviews"`
}

// PutReview upserts a review by (ModelID, Turn).
func (fs *FileStore) PutReview(sessionID string, review domain.Review) error {
	path := fs.reviewsPath(sessionID)
	lock := fs.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	var rf reviewFile
	if err := readJSON(path, &rf); err != nil && arverr.KindOf(err) != arverr.KindNotFound {
		return err
	}

	replaced := false
	for i, r := range rf.Reviews {
		if r.ModelID == review.ModelID && r.Turn == review.Turn {
			rf.Reviews[i] = review
			replaced = true
			break
		}
	}
	if !replaced {
		rf.Reviews = append(rf.Reviews, review)
	}

	return writeJSON(path, &rf)
}

// ListReviews returns all reviews for a session.
func (fs *FileStore) ListReviews(sessionID string) ([]domain.Review, error) {
	var rf reviewFile
	err := readJSON(fs.reviewsPath(sessionID), &rf)
	if err != nil {
		if arverr.KindOf(err) == arverr.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return rf.Reviews, nil
}

// tokenFile is the on-disk shape of tokens.json.
type tokenFile struct {
	// Tokens maps model ID (or "human") to its current access token.
	Tokens map[string]string `json:"tokens"`
}

// PutTokens overwrites the full token set for a session (minted once at
// session start, plus the optional assist token added on demand).
func (fs *FileStore) PutTokens(sessionID string, tokens map[string]string) error {
	path := fs.tokensPath(sessionID)
	lock := fs.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	return writeJSON(path, &tokenFile{Tokens: tokens})
}

// GetTokens reads the token set for a session.
func (fs *FileStore) GetTokens(sessionID string) (map[string]string, error) {
	var tf tokenFile
	if err := readJSON(fs.tokensPath(sessionID), &tf); err != nil {
		if arverr.KindOf(err) == arverr.KindNotFound {
			return map[string]string{}, nil
		}
		return nil, err
	}
	return tf.Tokens, nil
}

// presetFile is the on-disk shape of the process-wide presets.json.
type presetFile struct {
	Presets []domain.Preset `json:"presets"`
}

// PutPreset upserts a process-wide preset by name.
func (fs *FileStore) PutPreset(preset domain.Preset) error {
	path := fs.presetsPath()
	lock := fs.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	var pf presetFile
	if err := readJSON(path, &pf); err != nil && arverr.KindOf(err) != arverr.KindNotFound {
		return err
	}

	replaced := false
	for i, p := range pf.Presets {
		if p.Name == preset.Name {
			pf.Presets[i] = preset
			replaced = true
			break
		}
	}
	if !replaced {
		pf.Presets = append(pf.Presets, preset)
	}

	return writeJSON(path, &pf)
}

// ListPresets returns every process-wide preset.
func (fs *FileStore) ListPresets() ([]domain.Preset, error) {
	var pf presetFile
	err := readJSON(fs.presetsPath(), &pf)
	if err != nil {
		if arverr.KindOf(err) == arverr.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return pf.Presets, nil
}

// DeletePreset removes a process-wide preset by name.
func (fs *FileStore) DeletePreset(name string) error {
	path := fs.presetsPath()
	lock := fs.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	var pf presetFile
	if err := readJSON(path, &pf); err != nil {
		if arverr.KindOf(err) == arverr.KindNotFound {
			return nil
		}
		return err
	}

	out := pf.Presets[:0]
	for _, p := range pf.Presets {
		if p.Name != name {
			out = append(out, p)
		}
	}
	pf.Presets = out

	return writeJSON(path, &pf)
}
