package gitrepo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"quorum/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// snapshotFile is the single tracked file in every document repository.
const snapshotFile = "document.json"

// Content is the versioned payload of one document: its metadata plus the
// identity-keyed editor tree.
type Content struct {
	Title    string          `json:"title"`
	Subtitle string          `json:"subtitle"`
	Doc      json.RawMessage `json:"doc,omitempty"`
}

// Service stores one git repository per document under baseDir, with main
// plus one branch per proposal. Every operation on a document holds that
// document's lock so branch refs and worktree checkouts never interleave.
type Service struct {
	baseDir string
	mu      sync.Mutex
	byDoc   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{baseDir: baseDir, byDoc: make(map[string]*sync.Mutex)}
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) lockDocument(documentID string) func() {
	s.mu.Lock()
	lock := s.byDoc[documentID]
	if lock == nil {
		lock = &sync.Mutex{}
		s.byDoc[documentID] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// withRepo runs fn on the document's repository under its lock.
func (s *Service) withRepo(documentID string, fn func(*git.Repository) error) error {
	unlock := s.lockDocument(documentID)
	defer unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return fmt.Errorf("open document repo %s: %w", documentID, err)
	}
	return fn(repo)
}

// EnsureDocumentRepo initializes the document's repository with a baseline
// commit on main. Existing repositories are left untouched.
func (s *Service) EnsureDocumentRepo(documentID string, initial Content, author string) error {
	unlock := s.lockDocument(documentID)
	defer unlock()

	path := s.repoPath(documentID)
	switch _, err := os.Stat(path); {
	case err == nil:
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init document repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if err := writeSnapshot(path, initial); err != nil {
		return err
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return fmt.Errorf("stage baseline: %w", err)
	}
	hash, err := worktree.Commit("Import document baseline", &git.CommitOptions{Author: signature(author)})
	if err != nil {
		return fmt.Errorf("commit baseline: %w", err)
	}

	mainRef := plumbing.NewBranchReferenceName("main")
	if err := repo.Storer.SetReference(plumbing.NewHashReference(mainRef, hash)); err != nil {
		return fmt.Errorf("point main at baseline: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, mainRef)); err != nil {
		return fmt.Errorf("set HEAD: %w", err)
	}
	return nil
}

// EnsureBranch creates branchName at fromBranch's head if it does not exist.
func (s *Service) EnsureBranch(documentID, branchName, fromBranch string) error {
	return s.withRepo(documentID, func(repo *git.Repository) error {
		target := plumbing.NewBranchReferenceName(branchName)
		if _, err := repo.Reference(target, true); err == nil {
			return nil
		}
		base, err := repo.Reference(plumbing.NewBranchReferenceName(fromBranch), true)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", fromBranch, err)
		}
		if err := repo.Storer.SetReference(plumbing.NewHashReference(target, base.Hash())); err != nil {
			return fmt.Errorf("create branch %s: %w", branchName, err)
		}
		return nil
	})
}

func (s *Service) CommitContent(documentID, branchName string, content Content, author, message string) (store.CommitInfo, error) {
	var info store.CommitInfo
	err := s.withRepo(documentID, func(repo *git.Repository) error {
		hash, err := s.writeCommit(repo, branchName, content, author, message, false)
		if err != nil {
			return err
		}
		commit, err := repo.CommitObject(hash)
		if err != nil {
			return fmt.Errorf("read commit: %w", err)
		}
		info = describeCommit(commit)
		return nil
	})
	return info, err
}

func (s *Service) GetHeadContent(documentID, branchName string) (Content, store.CommitInfo, error) {
	var (
		content Content
		info    store.CommitInfo
	)
	err := s.withRepo(documentID, func(repo *git.Repository) error {
		ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", branchName, err)
		}
		commit, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return fmt.Errorf("read head commit: %w", err)
		}
		if content, err = snapshotAt(commit); err != nil {
			return err
		}
		info = describeCommit(commit)
		return nil
	})
	return content, info, err
}

func (s *Service) GetContentByHash(documentID, hash string) (Content, error) {
	var content Content
	err := s.withRepo(documentID, func(repo *git.Repository) error {
		commit, err := commitAt(repo, hash)
		if err != nil {
			return err
		}
		content, err = snapshotAt(commit)
		return err
	})
	return content, err
}

func (s *Service) GetCommitByHash(documentID, hash string) (store.CommitInfo, error) {
	var info store.CommitInfo
	err := s.withRepo(documentID, func(repo *git.Repository) error {
		commit, err := commitAt(repo, hash)
		if err != nil {
			return err
		}
		info = describeCommit(commit)
		return nil
	})
	return info, err
}

// History lists the newest commits on branchName, head first. A limit of zero
// means unbounded.
func (s *Service) History(documentID, branchName string, limit int) ([]store.CommitInfo, error) {
	var items []store.CommitInfo
	err := s.withRepo(documentID, func(repo *git.Repository) error {
		ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", branchName, err)
		}
		iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
		if err != nil {
			return fmt.Errorf("log: %w", err)
		}
		defer iter.Close()

		walkErr := iter.ForEach(func(commit *object.Commit) error {
			items = append(items, describeCommit(commit))
			if limit > 0 && len(items) >= limit {
				return io.EOF
			}
			return nil
		})
		if walkErr != nil && !errors.Is(walkErr, io.EOF) {
			return fmt.Errorf("walk log: %w", walkErr)
		}
		return nil
	})
	return items, err
}

// CreateTag tags the given commit. Re-tagging the same name is a no-op.
func (s *Service) CreateTag(documentID, hash, name string) error {
	return s.withRepo(documentID, func(repo *git.Repository) error {
		resolved, err := resolveHash(repo, hash)
		if err != nil {
			return err
		}
		_, err = repo.CreateTag(name, resolved, &git.CreateTagOptions{
			Tagger:  signature("Quorum"),
			Message: name,
		})
		if err != nil && !errors.Is(err, git.ErrTagExists) {
			return fmt.Errorf("tag %s: %w", name, err)
		}
		return nil
	})
}

// MergeIntoMain lands the head of sourceBranch on main as a copy commit, so
// main's history stays linear and the merge never conflicts.
func (s *Service) MergeIntoMain(documentID, sourceBranch, author, message string) (store.CommitInfo, error) {
	var info store.CommitInfo
	err := s.withRepo(documentID, func(repo *git.Repository) error {
		ref, err := repo.Reference(plumbing.NewBranchReferenceName(sourceBranch), true)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", sourceBranch, err)
		}
		head, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return fmt.Errorf("read source head: %w", err)
		}
		content, err := snapshotAt(head)
		if err != nil {
			return err
		}

		trailer := fmt.Sprintf("%s\n\nmerge: source=%s target=main actor=%s mode=copy-commit", message, sourceBranch, author)
		hash, err := s.writeCommit(repo, "main", content, author, trailer, true)
		if err != nil {
			return err
		}
		merged, err := repo.CommitObject(hash)
		if err != nil {
			return fmt.Errorf("read merge commit: %w", err)
		}
		info = describeCommit(merged)
		return nil
	})
	return info, err
}

// writeCommit checks out branchName, replaces the snapshot file and commits.
// Caller holds the document lock.
func (s *Service) writeCommit(repo *git.Repository, branchName string, content Content, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, fmt.Errorf("resolve %s: %w", branchName, err)
		}
		if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("create and checkout %s: %w", branchName, err)
		}
	} else if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("checkout %s: %w", branchName, err)
	}

	if err := writeSnapshot(worktree.Filesystem.Root(), content); err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("stage snapshot: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author:            signature(author),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit snapshot: %w", err)
	}
	return hash, nil
}

func writeSnapshot(dir string, content Content) error {
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func commitAt(repo *git.Repository, hash string) (*object.Commit, error) {
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commit, err := repo.CommitObject(resolved)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return commit, nil
}

func snapshotAt(commit *object.Commit) (Content, error) {
	file, err := commit.File(snapshotFile)
	if err != nil {
		return Content{}, fmt.Errorf("snapshot missing in commit %s: %w", commit.Hash.String()[:7], err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open snapshot: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read snapshot: %w", err)
	}
	var content Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return content, nil
}

// resolveHash accepts full hashes directly and resolves short hashes and tag
// names through the revision machinery.
func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve revision %s: %w", hash, err)
	}
	return *resolved, nil
}

func describeCommit(commit *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commit.Hash.String()[:7],
		Message:   commit.Message,
		Author:    commit.Author.Name,
		CreatedAt: commit.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: authorEmail(author),
		When:  time.Now(),
	}
}

func authorEmail(author string) string {
	local := make([]rune, 0, len(author))
	for _, r := range author {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			local = append(local, r)
		case r == ' ' || r == '-' || r == '_':
			local = append(local, '.')
		}
	}
	if len(local) == 0 {
		return "user@local.quorum.dev"
	}
	return string(local) + "@local.quorum.dev"
}

// HasChanges compares metadata plus the normalized tree so whitespace in the
// stored JSON never counts as an edit.
func HasChanges(from, to Content) bool {
	if from.Title != to.Title || from.Subtitle != to.Subtitle {
		return true
	}
	return !bytes.Equal(normalizeDoc(from.Doc), normalizeDoc(to.Doc))
}

// DiffFields reports which top-level snapshot fields differ, sorted by field
// name. A rich-content change collapses to a single "doc" entry since the
// node-level diff engine owns the detail.
func DiffFields(from, to Content) []map[string]string {
	result := make([]map[string]string, 0, 3)
	if from.Title != to.Title {
		result = append(result, map[string]string{"field": "title", "before": from.Title, "after": to.Title})
	}
	if from.Subtitle != to.Subtitle {
		result = append(result, map[string]string{"field": "subtitle", "before": from.Subtitle, "after": to.Subtitle})
	}
	if !bytes.Equal(normalizeDoc(from.Doc), normalizeDoc(to.Doc)) {
		result = append(result, map[string]string{"field": "doc", "before": "[rich content]", "after": "[rich content]"})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i]["field"] < result[j]["field"]
	})
	return result
}

func normalizeDoc(doc json.RawMessage) []byte {
	if len(doc) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
}
