// Package descrepo stores taxon description bodies in per-description
// git repositories, one commit per revision. The database row keeps only
// the repo key and head hash; the text and its history live here.
package descrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const bodyFile = "body.md"

// CommitInfo describes one revision of a description body.
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureRepo initializes the repo for a description with its first body
// revision. Calling it again for an existing key is a no-op.
func (s *Service) EnsureRepo(key, initialBody, author string) (CommitInfo, error) {
	lock := s.repoLock(key)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(key)
	if _, err := os.Stat(path); err == nil {
		return s.headLocked(key)
	} else if !errors.Is(err, os.ErrNotExist) {
		return CommitInfo{}, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return CommitInfo{}, fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, bodyFile), []byte(initialBody), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write initial body: %w", err)
	}
	if _, err := worktree.Add(bodyFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add initial body: %w", err)
	}
	hash, err := worktree.Commit("Create description", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit initial body: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return CommitInfo{}, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return CommitInfo{}, fmt.Errorf("set HEAD to main: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// CommitBody records a new revision. An unchanged body is not an error;
// the current head is returned.
func (s *Service) CommitBody(key, body, author, message string) (CommitInfo, error) {
	lock := s.repoLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(key))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, bodyFile), []byte(body), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write body: %w", err)
	}
	if _, err := worktree.Add(bodyFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add body: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(author),
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		return s.headLocked(key)
	}
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit body: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// Head returns the current body and its commit.
func (s *Service) Head(key string) (string, CommitInfo, error) {
	lock := s.repoLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(key))
	if err != nil {
		return "", CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", CommitInfo{}, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return "", CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	body, err := readBody(commitObj)
	if err != nil {
		return "", CommitInfo{}, err
	}
	return body, toCommitInfo(commitObj), nil
}

// BodyAt returns the body as of one commit.
func (s *Service) BodyAt(key, hash string) (string, error) {
	lock := s.repoLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(key))
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return "", err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readBody(commitObj)
}

// History lists revisions, newest first.
func (s *Service) History(key string, limit int) ([]CommitInfo, error) {
	lock := s.repoLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(key))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) headLocked(key string) (CommitInfo, error) {
	repo, err := git.PlainOpen(s.repoPath(key))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) repoPath(key string) string {
	return filepath.Join(s.baseDir, key)
}

func (s *Service) repoLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.mycoatlas.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func readBody(commitObj *object.Commit) (string, error) {
	file, err := commitObj.File(bodyFile)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", bodyFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read body contents: %w", err)
	}
	return contents, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String(),
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
