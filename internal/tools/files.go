package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/hyperjump/aichat/internal/workspace"
)

// ChangeFunc is told about every file a tool creates, modifies or removes.
type ChangeFunc func(root, rel string)

// maxStructureContent bounds files inlined by get_current_project_structure.
const maxStructureContent = 100_000

type fileEnv struct {
	onChange ChangeFunc
}

func (e fileEnv) changed(root, rel string) {
	if e.onChange != nil {
		e.onChange(root, rel)
	}
}

// resolveExisting resolves rel under the workspace root and requires it to exist.
func resolveExisting(tc Context, rel string) (string, error) {
	full, err := resolvePath(tc, rel)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("path does not exist in the workspace: %s", rel)
		}
		return "", err
	}
	return full, nil
}

func resolvePath(tc Context, rel string) (string, error) {
	if tc.WorkspaceRoot == "" {
		return "", ErrNoWorkspace
	}
	return workspace.Resolve(tc.WorkspaceRoot, rel)
}

func relTo(tc Context, full string) string {
	root, err := filepath.Abs(tc.WorkspaceRoot)
	if err != nil {
		return filepath.ToSlash(full)
	}
	rel, err := workspace.Rel(root, full)
	if err != nil {
		return filepath.ToSlash(full)
	}
	return rel
}

type readFileTool struct{}

func (readFileTool) Name() string        { return ReadFile }
func (readFileTool) Description() string { return "Read the content of a file from the filesystem." }
func (readFileTool) Schema() *jsonschema.Schema {
	return objectSchema([]string{"path"}, map[string]*jsonschema.Schema{
		"path": stringProp("The path to the file to read."),
	})
}

func (readFileTool) Execute(_ context.Context, tc Context, args map[string]any) (any, error) {
	full, err := resolveExisting(tc, stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}
	return string(data), nil
}

type writeFileTool struct{ fileEnv }

func (writeFileTool) Name() string { return WriteFile }
func (writeFileTool) Description() string {
	return "Write content to a file. Overwrites existing files."
}
func (writeFileTool) Schema() *jsonschema.Schema {
	return objectSchema([]string{"path", "content"}, map[string]*jsonschema.Schema{
		"path":               stringProp("The path to the file to write."),
		"content":            stringProp("The content to write."),
		"create_directories": boolProp("Whether to create missing parent directories. Default is true."),
	})
}

func (t writeFileTool) Execute(_ context.Context, tc Context, args map[string]any) (any, error) {
	rel := stringArg(args, "path")
	full, err := resolvePath(tc, rel)
	if err != nil {
		return nil, err
	}
	if boolArg(args, "create_directories", true) {
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return nil, fmt.Errorf("error writing file: %w", err)
		}
	}
	content := stringArg(args, "content")
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("error writing file: %w", err)
	}
	t.changed(tc.WorkspaceRoot, relTo(tc, full))
	return map[string]any{
		"status":  "ok",
		"path":    rel,
		"bytes":   len(content),
		"message": "Successfully wrote to " + rel,
	}, nil
}

type listFilesTool struct{}

func (listFilesTool) Name() string { return ListFiles }
func (listFilesTool) Description() string {
	return "List files and folders under the given path (recursive)."
}
func (listFilesTool) Schema() *jsonschema.Schema {
	return objectSchema(nil, map[string]*jsonschema.Schema{
		"path": stringProp("Folder path to list. Leave empty for workspace root."),
	})
}

func (listFilesTool) Execute(_ context.Context, tc Context, args map[string]any) (any, error) {
	dir := stringArg(args, "path")
	full, err := resolvePath(tc, dir)
	if err != nil {
		return nil, err
	}
	s, err := workspace.Walk(full)
	if err != nil {
		return nil, fmt.Errorf("error listing files: %w", err)
	}
	prefix := relTo(tc, full)
	items := make([]string, 0, len(s.Entries))
	tree := make([]workspace.Entry, 0, len(s.Entries))
	for _, e := range s.Entries {
		p := e.Path
		if prefix != "." && prefix != "" {
			p = path.Join(prefix, p)
		}
		items = append(items, p)
		tree = append(tree, workspace.Entry{Path: p, Type: e.Type})
	}
	return map[string]any{"status": "ok", "items": items, "tree": tree}, nil
}

type createFolderTool struct{}

func (createFolderTool) Name() string { return CreateFolder }
func (createFolderTool) Description() string {
	return "Create a folder (and parents) inside the workspace."
}
func (createFolderTool) Schema() *jsonschema.Schema {
	return objectSchema([]string{"path"}, map[string]*jsonschema.Schema{
		"path": stringProp("Folder path to create"),
	})
}

func (createFolderTool) Execute(_ context.Context, tc Context, args map[string]any) (any, error) {
	rel := stringArg(args, "path")
	full, err := resolvePath(tc, rel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(full, 0755); err != nil {
		return nil, err
	}
	return map[string]any{"status": "ok", "path": rel, "created": true}, nil
}

type deleteFileTool struct{ fileEnv }

func (deleteFileTool) Name() string        { return DeleteFile }
func (deleteFileTool) Description() string { return "Delete a file or folder from the workspace." }
func (deleteFileTool) Schema() *jsonschema.Schema {
	return objectSchema([]string{"path"}, map[string]*jsonschema.Schema{
		"path": stringProp("Path to delete"),
	})
}

func (t deleteFileTool) Execute(_ context.Context, tc Context, args map[string]any) (any, error) {
	rel := stringArg(args, "path")
	full, err := resolveExisting(tc, rel)
	if err != nil {
		return nil, err
	}
	if relTo(tc, full) == "." {
		return nil, errors.New("refusing to delete the workspace root")
	}
	info, statErr := os.Stat(full)
	if err := os.RemoveAll(full); err != nil {
		return nil, err
	}
	if statErr == nil && info.Mode().IsRegular() {
		t.changed(tc.WorkspaceRoot, relTo(tc, full))
	}
	return map[string]any{"status": "ok", "path": rel, "deleted": true}, nil
}

type renameFileTool struct{ fileEnv }

func (renameFileTool) Name() string { return RenameFile }
func (renameFileTool) Description() string {
	return "Rename or move a file/folder within the workspace."
}
func (renameFileTool) Schema() *jsonschema.Schema {
	return objectSchema([]string{"old_path", "new_path"}, map[string]*jsonschema.Schema{
		"old_path": stringProp("Existing file/folder path"),
		"new_path": stringProp("New path for the item"),
	})
}

func (t renameFileTool) Execute(_ context.Context, tc Context, args map[string]any) (any, error) {
	oldRel, newRel := stringArg(args, "old_path"), stringArg(args, "new_path")
	oldFull, err := resolveExisting(tc, oldRel)
	if err != nil {
		return nil, err
	}
	newFull, err := resolvePath(tc, newRel)
	if err != nil {
		return nil, fmt.Errorf("cannot rename files outside workspace: %w", err)
	}
	info, _ := os.Stat(oldFull)
	if err := os.MkdirAll(filepath.Dir(newFull), 0755); err != nil {
		return nil, err
	}
	if err := os.Rename(oldFull, newFull); err != nil {
		return nil, err
	}
	if info != nil && info.Mode().IsRegular() {
		t.changed(tc.WorkspaceRoot, relTo(tc, oldFull))
		t.changed(tc.WorkspaceRoot, relTo(tc, newFull))
	}
	return map[string]any{"status": "ok", "from": oldRel, "to": newRel}, nil
}

type projectStructureTool struct{}

func (projectStructureTool) Name() string { return ProjectStructure }
func (projectStructureTool) Description() string {
	return "Return the current workspace tree and top-level entry candidates."
}
func (projectStructureTool) Schema() *jsonschema.Schema {
	return objectSchema(nil, map[string]*jsonschema.Schema{
		"include_content": boolProp("Whether to include file contents for text files"),
	})
}

func (projectStructureTool) Execute(_ context.Context, tc Context, args map[string]any) (any, error) {
	if tc.WorkspaceRoot == "" {
		return nil, ErrNoWorkspace
	}
	s, err := workspace.Walk(tc.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"status":           "ok",
		"root":             s.Root,
		"entries":          s.Entries,
		"entry_candidates": s.EntryCandidates,
	}
	if boolArg(args, "include_content", false) {
		type fileContent struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		files := []fileContent{}
		for _, rel := range s.Files() {
			data, err := os.ReadFile(filepath.Join(s.Root, filepath.FromSlash(rel)))
			if err != nil || len(data) >= maxStructureContent || bytes.IndexByte(data, 0) >= 0 {
				continue
			}
			files = append(files, fileContent{Path: rel, Content: string(data)})
		}
		out["files"] = files
	}
	return out, nil
}
