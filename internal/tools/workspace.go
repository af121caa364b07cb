package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RegisterWorkspace installs the workspace domain: file operations confined
// to the sandbox root.
func RegisterWorkspace(r *Registry) {
	r.Register("workspace", "list", workspaceList)
	r.Register("workspace", "read", workspaceRead)
	r.Register("workspace", "write", workspaceWrite)
	r.Register("workspace", "apply_patch", workspaceApplyPatch)
	r.Register("workspace", "rename", workspaceRename)
	r.Register("workspace", "chmod", workspaceChmod)
}

// resolvePath confines rel within the workspace root. Absolute paths and
// any form of traversal above the root fail with ErrValidation.
func resolvePath(tc Context, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrValidation)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute path %q", ErrValidation, rel)
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: path %q escapes workspace root", ErrValidation, rel)
	}
	root, err := filepath.Abs(tc.WorkspaceRoot)
	if err != nil {
		return "", fmt.Errorf("%w: workspace root: %v", ErrValidation, err)
	}
	full := filepath.Clean(filepath.Join(root, rel))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes workspace root", ErrValidation, rel)
	}
	return full, nil
}

func workspaceList(_ context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("workspace", "list")
	rel := stringArg(args, "path")
	if rel == "" {
		rel = "."
	}
	dir, err := resolvePath(tc, rel)
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	var entries []map[string]any
	count := 0
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		count++
		if count > tc.Limits.MaxFiles {
			return fmt.Errorf("%w: listing exceeds %d entries", ErrValidation, tc.Limits.MaxFiles)
		}
		relPath, _ := filepath.Rel(dir, path)
		entries = append(entries, map[string]any{
			"path":   filepath.ToSlash(relPath),
			"is_dir": d.IsDir(),
		})
		if d.IsDir() && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i]["path"].(string) < entries[j]["path"].(string)
	})
	trace.count("entries", len(entries))
	trace.Output = map[string]any{"entries": entries}
	return trace, nil
}

func workspaceRead(_ context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("workspace", "read")
	path, err := resolvePath(tc, stringArg(args, "path"))
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	info, err := os.Stat(path)
	if err != nil {
		trace.fail("stat: %v", err)
		return trace, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if info.Size() > tc.Limits.MaxBytes {
		err := fmt.Errorf("%w: file exceeds %d bytes", ErrValidation, tc.Limits.MaxBytes)
		trace.fail("%v", err)
		return trace, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		trace.fail("read: %v", err)
		return trace, err
	}
	trace.count("bytes", len(data))
	trace.Output = map[string]any{"content": string(data)}
	return trace, nil
}

func workspaceWrite(_ context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("workspace", "write")
	path, err := resolvePath(tc, stringArg(args, "path"))
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	content := stringArg(args, "content")
	if int64(len(content)) > tc.Limits.MaxBytes {
		err := fmt.Errorf("%w: content exceeds %d bytes", ErrValidation, tc.Limits.MaxBytes)
		trace.fail("%v", err)
		return trace, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		trace.fail("mkdir: %v", err)
		return trace, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		trace.fail("write: %v", err)
		return trace, err
	}
	trace.count("bytes", len(content))
	return trace, nil
}

// workspaceApplyPatch applies a minimal unified-diff-style patch: a list of
// hunks, each replacing an exact old string with a new string in one file.
// Any hunk that fails aborts the whole operation before writes happen.
func workspaceApplyPatch(_ context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("workspace", "apply_patch")
	rawHunks, _ := args["hunks"].([]any)
	if len(rawHunks) == 0 {
		err := fmt.Errorf("%w: patch has no hunks", ErrValidation)
		trace.fail("%v", err)
		return trace, err
	}

	type edit struct {
		path    string
		newBody string
	}
	var edits []edit
	for i, raw := range rawHunks {
		hunk, ok := raw.(map[string]any)
		if !ok {
			err := fmt.Errorf("%w: hunk %d malformed", ErrValidation, i)
			trace.fail("%v", err)
			return trace, err
		}
		path, err := resolvePath(tc, stringArg(hunk, "path"))
		if err != nil {
			trace.fail("%v", err)
			return trace, err
		}
		oldStr := stringArg(hunk, "old")
		newStr := stringArg(hunk, "new")
		data, err := os.ReadFile(path)
		if err != nil {
			trace.fail("hunk %d: %v", i, err)
			return trace, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		body := string(data)
		if oldStr == "" || strings.Count(body, oldStr) != 1 {
			err := fmt.Errorf("%w: hunk %d old text must match exactly once", ErrValidation, i)
			trace.fail("%v", err)
			return trace, err
		}
		edits = append(edits, edit{path: path, newBody: strings.Replace(body, oldStr, newStr, 1)})
	}
	// All hunks validated; apply.
	for _, e := range edits {
		if err := os.WriteFile(e.path, []byte(e.newBody), 0o644); err != nil {
			trace.fail("apply: %v", err)
			return trace, err
		}
	}
	trace.count("hunks", len(edits))
	return trace, nil
}

func workspaceRename(_ context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("workspace", "rename")
	from, err := resolvePath(tc, stringArg(args, "from"))
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	to, err := resolvePath(tc, stringArg(args, "to"))
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		trace.fail("mkdir: %v", err)
		return trace, err
	}
	if err := os.Rename(from, to); err != nil {
		trace.fail("rename: %v", err)
		return trace, err
	}
	trace.count("renamed", 1)
	return trace, nil
}

func workspaceChmod(_ context.Context, tc Context, args map[string]any) (*Trace, error) {
	trace := newTrace("workspace", "chmod")
	path, err := resolvePath(tc, stringArg(args, "path"))
	if err != nil {
		trace.fail("%v", err)
		return trace, err
	}
	mode := intArg(args, "mode", 0)
	if mode <= 0 || mode > 0o777 {
		err := fmt.Errorf("%w: mode %o out of range", ErrValidation, mode)
		trace.fail("%v", err)
		return trace, err
	}
	if err := os.Chmod(path, os.FileMode(mode)); err != nil {
		trace.fail("chmod: %v", err)
		return trace, err
	}
	trace.count("changed", 1)
	return trace, nil
}
