// Package hierarchy enforces the folder tree invariants client-side.
//
// The backend does not enforce single-level nesting or acyclicity, so
// every re-parenting mutation must be validated here before it is applied
// locally or sent over the wire.
//
// All functions are pure and synchronous. They never panic on a malformed
// tree: a cycle or dangling parent reference produces a safe partial
// result plus an error signal, because the tree can only be fully
// corrected by a mutation elsewhere.
package hierarchy

import (
	"errors"

	"github.com/linkden/linkden/internal/model"
)

// MaxChildren is the hard quota of sub-folders per root folder.
const MaxChildren = 10

var (
	// ErrCycle indicates a node was revisited during traversal, meaning
	// the folder set contains a cyclic parent chain.
	ErrCycle = errors.New("folder hierarchy contains a cycle")

	// ErrDanglingParent indicates a folder references a parent that is
	// not present in the folder set.
	ErrDanglingParent = errors.New("folder references a missing parent")

	// ErrQuotaExceeded indicates a root folder already holds MaxChildren
	// sub-folders.
	ErrQuotaExceeded = errors.New("folder sub-folder quota exceeded")

	// ErrNestedParent indicates an attempt to nest under a non-root
	// folder; nesting depth is capped at one level.
	ErrNestedParent = errors.New("folder cannot nest below a child folder")
)

// Set is an indexed view over a slice of folders. Build one per
// validation pass; it holds no state beyond the index.
type Set struct {
	byID     map[string]model.Folder
	children map[string][]string // parent id -> child ids, insertion order
}

// NewSet builds a Set from the given folders. Duplicate IDs keep the
// last occurrence, matching last-write-wins semantics elsewhere.
func NewSet(folders []model.Folder) *Set {
	s := &Set{
		byID:     make(map[string]model.Folder, len(folders)),
		children: make(map[string][]string),
	}
	for _, f := range folders {
		s.byID[f.ID] = f
	}
	for _, f := range folders {
		if f.ParentID != nil {
			s.children[*f.ParentID] = append(s.children[*f.ParentID], f.ID)
		}
	}
	return s
}

// Get returns the folder with the given id, if present.
func (s *Set) Get(folderID string) (model.Folder, bool) {
	f, ok := s.byID[folderID]
	return f, ok
}

// DescendantIDs returns the folder itself plus every transitive child.
//
// Traversal tracks a visited set; if a node is revisited the accumulated
// set is returned together with ErrCycle. A missing folder id yields a
// set containing only that id.
func (s *Set) DescendantIDs(folderID string) (map[string]struct{}, error) {
	visited := map[string]struct{}{folderID: {}}
	queue := []string{folderID}
	var err error

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, childID := range s.children[current] {
			if _, seen := visited[childID]; seen {
				// Revisit means a cyclic chain; stop expanding this
				// branch but keep what we have.
				err = ErrCycle
				continue
			}
			visited[childID] = struct{}{}
			queue = append(queue, childID)
		}
	}
	return visited, err
}

// Depth returns 0 for a root folder and 1 for an immediate child.
//
// The walk up the parent chain guards against cycles with a visited set
// and terminates early on detection, returning the depth reached so far.
func (s *Set) Depth(folderID string) int {
	depth := 0
	visited := map[string]struct{}{}
	current := folderID

	for {
		if _, seen := visited[current]; seen {
			return depth
		}
		visited[current] = struct{}{}

		f, ok := s.byID[current]
		if !ok || f.ParentID == nil {
			return depth
		}
		depth++
		current = *f.ParentID
	}
}

// CanHaveChildren reports whether the folder may hold sub-folders.
// Only root folders qualify; nesting is capped at exactly one level.
func (s *Set) CanHaveChildren(folderID string) bool {
	f, ok := s.byID[folderID]
	if !ok {
		return false
	}
	return f.ParentID == nil
}

// CanAddChild reports whether another sub-folder may be added under
// parentID: the parent must be a root folder with fewer than
// MaxChildren existing children.
func (s *Set) CanAddChild(parentID string) bool {
	if !s.CanHaveChildren(parentID) {
		return false
	}
	return len(s.children[parentID]) < MaxChildren
}

// WouldCreateCycle reports whether re-parenting folderID under
// proposedParentID would make the tree cyclic. Self-parenting always
// cycles; so does parenting under any of the folder's own descendants.
func (s *Set) WouldCreateCycle(folderID, proposedParentID string) bool {
	if folderID == proposedParentID {
		return true
	}
	descendants, _ := s.DescendantIDs(folderID)
	_, isDescendant := descendants[proposedParentID]
	return isDescendant
}

// ValidateReparent checks every invariant a re-parent mutation must
// satisfy. A nil newParentID (move to root) is always allowed.
func (s *Set) ValidateReparent(folderID string, newParentID *string) error {
	if newParentID == nil {
		return nil
	}
	if s.WouldCreateCycle(folderID, *newParentID) {
		return ErrCycle
	}
	if _, ok := s.byID[*newParentID]; !ok {
		return ErrDanglingParent
	}
	if !s.CanHaveChildren(*newParentID) {
		return ErrNestedParent
	}
	if !s.CanAddChild(*newParentID) {
		return ErrQuotaExceeded
	}
	return nil
}

// RootFolders returns all folders without a parent.
func (s *Set) RootFolders() []model.Folder {
	var roots []model.Folder
	for _, f := range s.byID {
		if f.ParentID == nil {
			roots = append(roots, f)
		}
	}
	return roots
}

// Children returns the immediate children of parentID, in insertion
// order. A missing or leaf parent yields nil.
func (s *Set) Children(parentID string) []model.Folder {
	ids := s.children[parentID]
	if len(ids) == 0 {
		return nil
	}
	out := make([]model.Folder, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id])
	}
	return out
}

// PathFromRoot returns the chain of folders from the root down to
// folderID inclusive. If a cycle or dangling parent is detected the
// partial path collected so far is returned together with the error
// signal rather than looping forever.
func (s *Set) PathFromRoot(folderID string) ([]model.Folder, error) {
	var reversed []model.Folder
	visited := map[string]struct{}{}
	current := folderID

	for {
		if _, seen := visited[current]; seen {
			return reverse(reversed), ErrCycle
		}
		visited[current] = struct{}{}

		f, ok := s.byID[current]
		if !ok {
			return reverse(reversed), ErrDanglingParent
		}
		reversed = append(reversed, f)
		if f.ParentID == nil {
			return reverse(reversed), nil
		}
		current = *f.ParentID
	}
}

func reverse(folders []model.Folder) []model.Folder {
	for i, j := 0, len(folders)-1; i < j; i, j = i+1, j-1 {
		folders[i], folders[j] = folders[j], folders[i]
	}
	return folders
}
