package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pavelanni/osce/internal/casefile"
	"github.com/pavelanni/osce/internal/store"
)

// importFiles loads case documents and then the assignment list. A file whose
// content hash is already recorded is skipped; a file that changed since its
// import is skipped with a warning so that runs in progress keep the case
// they started with.
func importFiles(ctx context.Context, db *store.Store, casePaths []string, assignmentsPath string) error {
	files, err := expandCasePaths(casePaths, assignmentsPath)
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := importOnce(ctx, db, path, func(f casefile.File) (int, error) {
			c, err := casefile.ParseCase(f)
			if err != nil {
				return 0, err
			}
			return 1, db.UpsertCase(ctx, c)
		}); err != nil {
			return err
		}
	}

	if assignmentsPath == "" {
		return nil
	}
	if _, err := os.Stat(assignmentsPath); os.IsNotExist(err) {
		slog.Warn("assignments file not found, skipping", "path", assignmentsPath)
		return nil
	}
	return importOnce(ctx, db, assignmentsPath, func(f casefile.File) (int, error) {
		list, err := casefile.ParseAssignments(f)
		if err != nil {
			return 0, err
		}
		for _, a := range list {
			if err := db.UpsertAssignment(ctx, a); err != nil {
				return 0, fmt.Errorf("assignment %s: %w", a.ID, err)
			}
		}
		return len(list), nil
	})
}

func importOnce(ctx context.Context, db *store.Store, path string, load func(casefile.File) (int, error)) error {
	f, err := casefile.Read(path)
	if err != nil {
		return err
	}
	storedHash, err := db.GetImportedFileHash(ctx, path)
	if err != nil {
		return fmt.Errorf("check import status for %s: %w", path, err)
	}
	if storedHash == f.Hash {
		slog.Debug("file unchanged, skipping", "path", path)
		return nil
	}
	if storedHash != "" {
		slog.Warn("file changed since last import, skipping to avoid altering existing runs", "path", path)
		return nil
	}

	n, err := load(f)
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	if err := db.SetImportedFileHash(ctx, path, f.Hash); err != nil {
		return fmt.Errorf("record import for %s: %w", path, err)
	}
	slog.Info("imported", "path", path, "count", n)
	return nil
}

// expandCasePaths turns files and directories into a sorted list of case
// files. The assignments file is excluded when it lives in a case directory.
func expandCasePaths(paths []string, assignmentsPath string) ([]string, error) {
	skip := filepath.Clean(assignmentsPath)
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("case path %s: %w", p, err)
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("read dir %s: %w", p, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			switch strings.ToLower(filepath.Ext(e.Name())) {
			case ".json", ".yaml", ".yml":
			default:
				continue
			}
			full := filepath.Join(p, e.Name())
			if assignmentsPath != "" && filepath.Clean(full) == skip {
				continue
			}
			out = append(out, full)
		}
	}
	sort.Strings(out)
	return out, nil
}
