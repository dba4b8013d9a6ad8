package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// ErrFilesystemAccess marks source nodes that could not be read during planning.
var ErrFilesystemAccess = errors.New("filesystem access error")

// ActionKind is the variant of a [PlannedAction].
type ActionKind int

const (
	noAction ActionKind = iota

	// CompressFile archives a single (shallow) file on its own.
	CompressFile
	// CompressSubtree archives a whole directory beyond the maximum depth.
	CompressSubtree
	// CopyFile copies a file with an excluded extension as-is.
	CopyFile
)

func (k ActionKind) String() string {
	switch k {
	case CompressFile:
		return "compress-file"
	case CompressSubtree:
		return "compress-subtree"
	case CopyFile:
		return "copy-file"
	case noAction:
		return "none"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// PlannedAction is one unit of work decided for one source node.
// RelPath is relative to the source root and is mirrored under the output root.
type PlannedAction struct {
	Kind       ActionKind
	SourcePath string
	RelPath    string
}

// ExtensionSet holds lowercase file extensions including their leading dot.
type ExtensionSet map[string]struct{}

// ParseExtensions builds an [ExtensionSet] from a comma-separated list such
// as ".tmp,LOG, .bak". Blank elements are dropped.
func ParseExtensions(list string) ExtensionSet {
	set := make(ExtensionSet)

	for _, ext := range strings.Split(list, ",") {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" || ext == "." {
			continue
		}

		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}

		set[ext] = struct{}{}
	}

	return set
}

// Contains reports whether the extension of name is in the set.
func (s ExtensionSet) Contains(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}

	_, ok := s[ext]

	return ok
}

// PlanConfig is the traversal policy of the planner.
type PlanConfig struct {
	MaxDepth int          // -1 for unlimited; otherwise deeper folders become whole-subtree archives
	Excludes ExtensionSet // File extensions to copy instead of compress
	Ignores  []string     // Doublestar patterns of source-relative paths to leave out entirely
}

// Plan is the ordered list of actions for one source, together with any
// nodes that had to be skipped while walking it.
type Plan struct {
	Source  string
	Actions []PlannedAction
	Skipped []Failure
}

// Count returns the amount of planned actions of the given kind.
func (p *Plan) Count(kind ActionKind) int {
	var n int

	for _, a := range p.Actions {
		if a.Kind == kind {
			n++
		}
	}

	return n
}

// node is one filesystem entry encountered during the walk.
// Depth 0 is the source root's immediate children.
type node struct {
	path  string
	rel   string
	mode  fs.FileMode
	depth int
}

func newNode(path string, rel string, mode fs.FileMode) node {
	return node{
		path:  path,
		rel:   rel,
		mode:  mode,
		depth: strings.Count(filepath.ToSlash(rel), "/"),
	}
}

// decide picks the action for a node. For a directory within the depth
// bounds no action is returned and the walk descends into it instead.
// A symlink carries the directory bit when it points to a directory.
func decide(n node, cfg *PlanConfig) (PlannedAction, bool, error) {
	switch {
	case n.mode&fs.ModeSymlink != 0 && n.mode.IsDir():
		return PlannedAction{}, false, fmt.Errorf("%w: symlinked folder is not followed", ErrFilesystemAccess)

	case n.mode.IsDir() && (cfg.MaxDepth < 0 || n.depth < cfg.MaxDepth):
		return PlannedAction{}, false, nil

	case n.mode.IsDir():
		return PlannedAction{Kind: CompressSubtree, SourcePath: n.path, RelPath: n.rel}, true, nil

	case !n.mode.IsRegular() && n.mode&fs.ModeSymlink == 0:
		return PlannedAction{}, false, fmt.Errorf("%w: unsupported file type %s", ErrFilesystemAccess, n.mode.Type())

	case cfg.Excludes.Contains(n.rel):
		return PlannedAction{Kind: CopyFile, SourcePath: n.path, RelPath: n.rel}, true, nil

	default:
		return PlannedAction{Kind: CompressFile, SourcePath: n.path, RelPath: n.rel}, true, nil
	}
}

// Plan walks the source and returns the complete list of actions in
// lexical traversal order. A source that is a single file always results
// in exactly one [CompressFile] action.
//
// Unreadable or vanished nodes are recorded as skipped and do not fail
// the plan; only an unreadable source root, an invalid ignore pattern or
// a cancelled ctx do.
func (prog *Program) Plan(ctx context.Context, source string, cfg PlanConfig) (*Plan, error) {
	source, err := prog.resolveSource(source)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Source: source}

	info, err := prog.fs.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to stat source: %w", ErrFilesystemAccess, err)
	}

	if !info.IsDir() {
		plan.Actions = append(plan.Actions, PlannedAction{
			Kind:       CompressFile,
			SourcePath: source,
			RelPath:    filepath.Base(source),
		})

		return plan, nil
	}

	if err := prog.fsWalker.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if path == source {
			if err != nil {
				return fmt.Errorf("%w: failed to read source: %w", ErrFilesystemAccess, err)
			}

			return nil
		}

		relPath, relErr := filepath.Rel(source, path)
		if relErr != nil {
			return fmt.Errorf("failed to obtain relative path: %w", relErr)
		}

		if err != nil {
			plan.Skipped = append(plan.Skipped, Failure{
				Stage: StatePlanning,
				Path:  relPath,
				Err:   fmt.Errorf("%w: %w", ErrFilesystemAccess, err),
			})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if ignored, err := isIgnored(relPath, d.IsDir(), cfg.Ignores); err != nil {
			return err
		} else if ignored && d.IsDir() {
			return filepath.SkipDir
		} else if ignored {
			return nil
		}

		mode := d.Type()
		if mode&fs.ModeSymlink != 0 {
			if target, err := prog.fs.Stat(path); err == nil && target.IsDir() {
				mode |= fs.ModeDir
			}
		}

		action, ok, err := decide(newNode(path, relPath, mode), &cfg)
		if err != nil {
			plan.Skipped = append(plan.Skipped, Failure{Stage: StatePlanning, Path: relPath, Err: err})

			return nil
		}

		if !ok {
			return nil
		}

		plan.Actions = append(plan.Actions, action)

		if action.Kind == CompressSubtree {
			return filepath.SkipDir
		}

		return nil
	}); err != nil {
		return nil, fmt.Errorf("failure during planning: %w", err)
	}

	return plan, nil
}
