package cmd

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JochenWeerda/valeo-apm/internal/store"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Add a document to retrieval memory",
	Long: `Add a file, or every text file under a directory, to the retrieval
memory. Records are keyed by path; re-ingesting unchanged content is a no-op.

Categories: reflection, planning, creative, validation, tasks, freeform.

Examples:
  apm ingest --path notes/retro-2026-09.md --category reflection --project orders
  apm ingest --path docs/ --category freeform`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		category, _ := cmd.Flags().GetString("category")
		project, _ := cmd.Flags().GetString("project")
		return runIngest(cmd.OutOrStdout(), path, category, project)
	},
}

func init() {
	ingestCmd.Flags().String("path", "", "File or directory to ingest (required)")
	ingestCmd.Flags().String("category", string(store.CategoryFreeform), "Memory category")
	ingestCmd.Flags().String("project", "", "Scope the record to a project")
}

var ingestExtensions = map[string]bool{".md": true, ".markdown": true, ".txt": true, ".yaml": true, ".yml": true}

func runIngest(w io.Writer, path, category, project string) error {
	if path == "" {
		return fmt.Errorf("--path is required")
	}
	cat, err := store.ParseCategory(category)
	if err != nil {
		return fmt.Errorf("--category: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot access path: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		files = files[:0]
		err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != path && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if ingestExtensions[strings.ToLower(filepath.Ext(p))] {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", path, err)
		}
	}

	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	added, unchanged := 0, 0
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", f, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			fmt.Fprintf(os.Stderr, "⚠️  Skipping empty file %s\n", f)
			continue
		}
		m := &store.MemoryRecord{Category: cat, Path: filepath.ToSlash(f), Project: project, Content: string(data)}
		changed, err := a.search.IngestMemory(ctx, m)
		if err != nil {
			return err
		}
		if changed {
			added++
			fmt.Fprintf(w, "✅ %s (%s) %s\n", m.Path, m.Category, m.ID)
		} else {
			unchanged++
		}
	}
	fmt.Fprintf(w, "Ingested %d record(s), %d unchanged.\n", added, unchanged)
	return nil
}
