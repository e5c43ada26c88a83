// Package userview implements the User-View Builder (spec §4.9): per-account
// symlink trees over a completed backup, collapsing whole subtrees that carry
// homogeneous access into a single symlink instead of one per file.
package userview

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
)

// Node is one filelist entry, already joined with its permission metadata.
// Callers build the tree from the filelist entries and their permission
// extras; this package only walks it.
type Node struct {
	Name     string
	IsDir    bool
	Children []*Node

	// Allow lists the principal ids explicitly granted access to this
	// node. A principal absent from the map is denied.
	Allow map[int]bool
}

// IdenticalRoot is one directory whose entire subtree carries the same
// access decision for a given principal set (spec §4.9 step 1).
type IdenticalRoot struct {
	ID      int
	Path    string
	Allowed bool
}

// FindIdenticalPermissionRoots walks root once, maintaining the
// (has_perm, nodecount, identicalcount) counters described in spec §4.9,
// and returns every directory whose subtree is homogeneous with respect to
// principalIDs, in ascending id order (ids are assigned as directories are
// left, so the return order is the assignment order by construction).
func FindIdenticalPermissionRoots(root *Node, principalIDs []int) []IdenticalRoot {
	var out []IdenticalRoot
	counter := 0
	walk(root, "", principalIDs, &counter, &out)
	return out
}

// walk returns the subtree's node count, this node's own permission
// decision, and whether the subtree is fully homogeneous with that
// decision (i.e. nodecount == identicalcount at every level below it).
func walk(node *Node, relPath string, principalIDs []int, counter *int, out *[]IdenticalRoot) (nodeCount int, allowed bool, homogeneous bool) {
	if !node.IsDir {
		return 1, isAllowed(node, principalIDs), true
	}

	selfAllowed := isAllowed(node, principalIDs)
	nodeCount = 1
	identicalCount := 1
	allHomogeneous := true

	for _, child := range node.Children {
		childPath := path.Join(relPath, child.Name)
		size, childAllowed, childHomog := walk(child, childPath, principalIDs, counter, out)
		nodeCount += size
		if childHomog && childAllowed == selfAllowed {
			identicalCount += size
		} else {
			allHomogeneous = false
		}
	}

	id := *counter
	*counter++

	fullyHomogeneous := allHomogeneous && nodeCount == identicalCount
	if fullyHomogeneous {
		*out = append(*out, IdenticalRoot{ID: id, Path: relPath, Allowed: selfAllowed})
	}
	return nodeCount, selfAllowed, fullyHomogeneous
}

func isAllowed(node *Node, principalIDs []int) bool {
	if len(principalIDs) == 0 {
		return false
	}
	has := 0
	for _, id := range principalIDs {
		if node.Allow[id] {
			has++
		}
	}
	return has == len(principalIDs)
}

// identicalRootSet turns the flat result of FindIdenticalPermissionRoots
// into a lookup keyed by relative path for use during the second pass.
func identicalRootSet(roots []IdenticalRoot) map[string]bool {
	set := make(map[string]bool, len(roots))
	for _, r := range roots {
		if r.Allowed {
			set[r.Path] = true
		}
	}
	return set
}

// CreateUserView performs spec §4.9 step 2: a second walk that creates,
// under backupRoot/user_views/<account>, a symlink to the source subtree
// wherever the first pass collapsed it, or a directory with per-file
// symlinks where access varies. It returns the created view root.
func CreateUserView(root *Node, principalIDs []int, accountName, backupRoot string, identicalRoots []IdenticalRoot) (string, error) {
	viewRoot := filepath.Join(backupRoot, "user_views", accountName)
	if err := os.MkdirAll(filepath.Dir(viewRoot), 0755); err != nil {
		return "", fmt.Errorf("userview: mkdir user_views: %w", err)
	}
	collapsed := identicalRootSet(identicalRoots)
	if err := build(root, backupRoot, viewRoot, "", principalIDs, collapsed); err != nil {
		return "", err
	}
	return viewRoot, nil
}

func build(node *Node, backupRoot, viewRoot, relPath string, principalIDs []int, collapsed map[string]bool) error {
	srcPath := filepath.Join(backupRoot, relPath)
	viewPath := filepath.Join(viewRoot, relPath)

	if relPath != "" && collapsed[relPath] {
		return os.Symlink(srcPath, viewPath)
	}

	if !node.IsDir {
		if isAllowed(node, principalIDs) {
			return os.Symlink(srcPath, viewPath)
		}
		return nil
	}

	if relPath != "" {
		if err := os.MkdirAll(viewPath, 0755); err != nil {
			return fmt.Errorf("userview: mkdir %s: %w", viewPath, err)
		}
	} else if err := os.MkdirAll(viewPath, 0755); err != nil {
		return fmt.Errorf("userview: mkdir view root: %w", err)
	}

	for _, child := range node.Children {
		childRel := path.Join(relPath, child.Name)
		if err := build(child, backupRoot, viewRoot, childRel, principalIDs, collapsed); err != nil {
			return err
		}
	}
	return nil
}

// PublishSharedLinks publishes the two shared pointers spec §6 describes:
// `<single>`, a permanent link to this backup's view, and `current`,
// atomically re-targeted to always point at the latest.
func PublishSharedLinks(backupFolder, client, account, single, viewTarget string) error {
	dir := filepath.Join(backupFolder, "user_views", client, account)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("userview: mkdir shared link dir: %w", err)
	}

	singlePath := filepath.Join(dir, single)
	_ = os.Remove(singlePath)
	if err := os.Symlink(viewTarget, singlePath); err != nil {
		return fmt.Errorf("userview: link %s: %w", single, err)
	}

	currentPath := filepath.Join(dir, "current")
	tmp := currentPath + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(viewTarget, tmp); err != nil {
		return fmt.Errorf("userview: stage current link: %w", err)
	}
	if err := os.Rename(tmp, currentPath); err != nil {
		return fmt.Errorf("userview: retarget current link: %w", err)
	}
	return nil
}
