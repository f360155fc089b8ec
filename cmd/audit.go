package cmd

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/JochenWeerda/valeo-apm/internal/config"
	"github.com/JochenWeerda/valeo-apm/internal/llm"
	"github.com/JochenWeerda/valeo-apm/internal/store"
)

// validTableName matches only safe SQLite table names (alphanumeric and underscores).
var validTableName = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect stored data, permissions and model egress",
	Long: `Audit the APM installation.

Checks:
  1. Data inventory — lists all files next to the store with sizes
  2. Permissions — verifies the store is user-readable only
  3. Schema — shows SQLite tables and row counts (no content)
  4. Model egress — where requirement text is sent for generation

Examples:
  apm audit`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAudit(cmd.OutOrStdout())
	},
}

// humanSize formats bytes into a human-readable string.
func humanSize(bytes int64) string {
	switch {
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// fileDescription returns a short explanation of what a file is.
func fileDescription(name, dbName string) string {
	switch {
	case name == dbName:
		return "artifact store, handovers and retrieval index"
	case name == dbName+"-wal":
		return "SQLite write-ahead log (temporary)"
	case name == dbName+"-shm":
		return "SQLite shared memory file (temporary)"
	case name == config.ConfigName+".yaml":
		return "configuration"
	case strings.HasSuffix(name, ".apmsnap"):
		return "exported snapshot"
	default:
		return ""
	}
}

func section(w io.Writer, title string) {
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(w)
}

func runAudit(w io.Writer) error {
	fmt.Fprintln(w, "🔒 APM Audit")
	fmt.Fprintln(w)

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	dbPath := store.ResolvePath(cfg.Store.Endpoint)
	dataDir := filepath.Dir(dbPath)
	dbName := filepath.Base(dbPath)

	section(w, "📁 Section 1: Data Inventory")
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		fmt.Fprintf(w, "  Data directory does not exist: %s\n", dataDir)
		fmt.Fprintln(w, "  APM has not been used yet — no data stored.")
		fmt.Fprintln(w)
	} else {
		fmt.Fprintf(w, "  Data directory: %s\n", dataDir)
		fmt.Fprintln(w)

		var totalSize int64
		var fileCount int
		entries, err := os.ReadDir(dataDir)
		if err != nil {
			fmt.Fprintf(w, "  ⚠️  Error reading directory: %v\n", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			totalSize += info.Size()
			fileCount++
			if desc := fileDescription(e.Name(), dbName); desc != "" {
				fmt.Fprintf(w, "  %-30s %10s  (%s)\n", e.Name(), humanSize(info.Size()), desc)
			} else {
				fmt.Fprintf(w, "  %-30s %10s\n", e.Name(), humanSize(info.Size()))
			}
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  Total: %d file(s), %s\n", fileCount, humanSize(totalSize))
		fmt.Fprintln(w)
	}

	section(w, "🔐 Section 2: Permissions Check")
	issues := 0
	for _, check := range []struct {
		path, fix, label string
	}{
		{dataDir, "chmod 700 ", "world-accessible"},
		{dbPath, "chmod 600 ", "world-readable"},
	} {
		info, err := os.Stat(check.path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			fmt.Fprintf(w, "  ⚠️  Cannot stat %s: %v\n", check.path, err)
			issues++
			continue
		}
		mode := info.Mode().Perm()
		fmt.Fprintf(w, "  %s  %04o", check.path, mode)
		if mode&0007 != 0 {
			fmt.Fprintf(w, "  ⚠️  WARNING: %s\n", check.label)
			fmt.Fprintf(w, "    Fix: %s%s\n", check.fix, check.path)
			issues++
		} else {
			fmt.Fprintln(w, "  ✅ OK")
		}
	}
	if issues == 0 {
		fmt.Fprintln(w, "  ✅ All permissions OK")
	}
	fmt.Fprintln(w)

	section(w, "🗃️  Section 3: Database Schema")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintln(w, "  Database not found — no data stored yet.")
	} else {
		auditSchema(w, dbPath)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Note: Only table names and row counts are shown.")
	fmt.Fprintln(w, "  No artifact content is ever printed by this command.")
	fmt.Fprintln(w)

	section(w, "🌐 Section 4: Model Egress")
	switch strings.ToLower(cfg.LLM.Provider) {
	case "", llm.LocalName:
		fmt.Fprintln(w, "  Provider: local. Narratives and embeddings are computed offline;")
		fmt.Fprintln(w, "  APM makes no network connections.")
	default:
		base := cfg.LLM.BaseURL
		if base == "" {
			base = "the provider's default endpoint"
		}
		fmt.Fprintf(w, "  Provider: %s. Requirement text, retrieved passages and artifact\n", cfg.LLM.Provider)
		fmt.Fprintf(w, "  summaries are sent to %s.\n", base)
		fmt.Fprintln(w, "  Set llm.provider: local to keep all content on this machine.")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if issues == 0 {
		fmt.Fprintln(w, "✅ Audit complete — no issues found.")
	} else {
		fmt.Fprintf(w, "⚠️  Audit complete — %d issue(s) found. See above.\n", issues)
	}
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	return nil
}

// auditSchema lists tables and row counts from a read-only connection.
func auditSchema(w io.Writer, dbPath string) {
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro")
	if err != nil {
		fmt.Fprintf(w, "  ⚠️  Cannot open database: %v\n", err)
		return
	}
	defer db.Close()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		fmt.Fprintf(w, "  ⚠️  Cannot query schema: %v\n", err)
		return
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			names = append(names, name)
		}
	}
	rows.Close()
	if len(names) == 0 {
		fmt.Fprintln(w, "  No tables found (empty database).")
		return
	}
	for _, name := range names {
		// Validate table name to prevent SQL injection
		if !validTableName.MatchString(name) {
			fmt.Fprintf(w, "  %-30s  (skipped — invalid table name)\n", name)
			continue
		}
		var count int
		if err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM [%s]", name)).Scan(&count); err != nil {
			fmt.Fprintf(w, "  %-30s  (virtual or unreadable)\n", name)
		} else {
			fmt.Fprintf(w, "  %-30s  %d row(s)\n", name, count)
		}
	}
}
