package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxReadBytes caps the file content returned to the model.
const maxReadBytes = 50 * 1024

// Workspace confines the file commands to one directory tree.
type Workspace struct {
	root string
}

// NewWorkspace creates the directory at root if needed and returns a
// workspace rooted there.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute workspace directory.
func (w *Workspace) Root() string { return w.root }

// resolve maps a model-supplied path into the workspace. Absolute paths
// are accepted only when they already lie inside it.
func (w *Workspace) resolve(path string) (string, error) {
	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(w.root, path)
	}
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return abs, nil
}

// Read returns the contents of a file, truncated to maxReadBytes.
func (w *Workspace) Read(path string) (string, error) {
	abs, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("file not found: %s", path)
	}
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n\n[... truncated ...]", nil
	}
	return string(data), nil
}

// Write replaces a file's contents, creating parent directories.
func (w *Workspace) Write(path, content string) error {
	return w.writeFile(path, content, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
}

// Append adds content to the end of a file, creating it if needed.
func (w *Workspace) Append(path, content string) error {
	return w.writeFile(path, content, os.O_CREATE|os.O_WRONLY|os.O_APPEND)
}

func (w *Workspace) writeFile(path, content string, flag int) error {
	abs, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(abs, flag, 0o644)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("write file: %w", err)
	}
	return f.Close()
}

// Delete removes a single file.
func (w *Workspace) Delete(path string) error {
	abs, err := w.resolve(path)
	if err != nil {
		return err
	}
	if abs == w.root {
		return fmt.Errorf("refusing to delete the workspace root")
	}
	if err := os.Remove(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("file not found: %s", path)
		}
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// List walks dir and returns every file beneath it relative to the
// workspace root. Hidden files are skipped.
func (w *Workspace) List(dir string) ([]string, error) {
	abs, err := w.resolve(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && p != abs {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(w.root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("directory not found: %s", dir)
	}
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

// RegisterFileCommands adds the workspace file commands to r.
func RegisterFileCommands(r *Registry, w *Workspace) error {
	cmds := []*Command{
		{
			Name:  "read_file",
			Label: "Read file",
			Args:  []Arg{{"file", "<file>"}},
			Handler: func(_ context.Context, args map[string]string) (string, error) {
				path, err := requireArg(args, "file")
				if err != nil {
					return "", err
				}
				return w.Read(path)
			},
		},
		{
			Name:  "write_to_file",
			Label: "Write to file",
			Args:  []Arg{{"file", "<file>"}, {"text", "<text>"}},
			Handler: func(_ context.Context, args map[string]string) (string, error) {
				path, err := requireArg(args, "file")
				if err != nil {
					return "", err
				}
				if err := w.Write(path, args["text"]); err != nil {
					return "", err
				}
				return "File written to successfully.", nil
			},
		},
		{
			Name:  "append_to_file",
			Label: "Append to file",
			Args:  []Arg{{"file", "<file>"}, {"text", "<text>"}},
			Handler: func(_ context.Context, args map[string]string) (string, error) {
				path, err := requireArg(args, "file")
				if err != nil {
					return "", err
				}
				if err := w.Append(path, args["text"]); err != nil {
					return "", err
				}
				return "Text appended successfully.", nil
			},
		},
		{
			Name:  "delete_file",
			Label: "Delete file",
			Args:  []Arg{{"file", "<file>"}},
			Handler: func(_ context.Context, args map[string]string) (string, error) {
				path, err := requireArg(args, "file")
				if err != nil {
					return "", err
				}
				if err := w.Delete(path); err != nil {
					return "", err
				}
				return "File deleted successfully.", nil
			},
		},
		{
			Name:  "list_files",
			Label: "List Files",
			Args:  []Arg{{"directory", "<directory>"}},
			Handler: func(_ context.Context, args map[string]string) (string, error) {
				dir := args["directory"]
				if dir == "" {
					dir = "."
				}
				files, err := w.List(dir)
				if err != nil {
					return "", err
				}
				if len(files) == 0 {
					return "[]", nil
				}
				return "[" + quoteJoin(files) + "]", nil
			},
		},
	}
	for _, c := range cmds {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func quoteJoin(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(quoted, ", ")
}
