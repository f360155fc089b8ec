package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JochenWeerda/valeo-apm/internal/config"
	"github.com/JochenWeerda/valeo-apm/internal/llm"
	"github.com/JochenWeerda/valeo-apm/internal/retrieval"
	"github.com/JochenWeerda/valeo-apm/internal/store"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose common setup issues",
	Long: `Diagnose common setup issues and optionally fix them.

Examples:
  apm doctor        # check for issues
  apm doctor --fix  # check and auto-fix issues`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fix, _ := cmd.Flags().GetBool("fix")
		return runDoctor(cmd.OutOrStdout(), fix)
	},
}

func init() {
	doctorCmd.Flags().Bool("fix", false, "Attempt to automatically fix issues")
}

// redact returns the first n and last n chars of s, or "***" if too short.
func redact(s string, n int) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= n*2 {
		return "***"
	}
	return s[:n] + "..." + s[len(s)-n:]
}

// runDoctor diagnoses common setup issues
func runDoctor(w io.Writer, fix bool) error {
	fmt.Fprintln(w, "🔍 APM Doctor - Diagnosing Setup")
	if fix {
		fmt.Fprintln(w, "🛠️  Auto-fix enabled")
	}
	fmt.Fprintln(w)

	issues := 0
	warnings := 0
	fixed := 0
	ctx := context.Background()

	// 1. Configuration
	fmt.Fprint(w, "✓ Checking configuration... ")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(w, "❌ FAILED")
		fmt.Fprintf(w, "  Issue: %v\n", err)
		fmt.Fprintln(w, "  Fix: Correct the value or remove the key to use the default")
		issues++
		cfg = config.Default()
	} else if cfg.File == "" {
		fmt.Fprintln(w, "✅ OK (defaults, no apm.yaml found)")
	} else {
		fmt.Fprintf(w, "✅ OK (%s)\n", cfg.File)
	}

	// 2. Data directory
	fmt.Fprint(w, "✓ Checking data directory... ")
	dbPath := store.ResolvePath(cfg.Store.Endpoint)
	dataDir := filepath.Dir(dbPath)
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		if fix {
			fmt.Fprint(w, "🛠️  Creating... ")
			if err := os.MkdirAll(dataDir, 0700); err != nil {
				fmt.Fprintf(w, "❌ FAILED: %v\n", err)
				issues++
			} else {
				fmt.Fprintln(w, "✅ FIXED")
				fixed++
			}
		} else {
			fmt.Fprintln(w, "⚠️  WARNING")
			fmt.Fprintf(w, "  Data directory does not exist: %s\n", dataDir)
			fmt.Fprintln(w, "  It will be created on first run")
			warnings++
		}
	} else {
		fmt.Fprintf(w, "✅ OK (%s)\n", dataDir)
	}

	// 3. Artifact store
	fmt.Fprint(w, "✓ Checking artifact store... ")
	var st *store.Store
	if _, err := os.Stat(dbPath); os.IsNotExist(err) && !fix {
		fmt.Fprintln(w, "⚠️  WARNING")
		fmt.Fprintf(w, "  Database not found: %s\n", dbPath)
		fmt.Fprintln(w, "  It will be created on first run")
		warnings++
	} else if st, err = store.Open(ctx, cfg.Store.Endpoint); err != nil {
		fmt.Fprintln(w, "❌ FAILED")
		fmt.Fprintf(w, "  Issue: %v\n", err)
		issues++
	} else {
		defer st.Close()
		counts, err := st.TableCounts(ctx)
		if err != nil {
			fmt.Fprintln(w, "❌ FAILED")
			fmt.Fprintf(w, "  Issue: %v\n", err)
			issues++
		} else {
			fmt.Fprintf(w, "✅ OK (%s)\n", formatCounts(counts))
		}
	}

	// 4. Retrieval backends
	fmt.Fprint(w, "✓ Checking retrieval backends... ")
	if st == nil {
		fmt.Fprintln(w, "⚠️  SKIPPED (no store)")
	} else if svc, err := retrieval.New(ctx, st, llm.NewLocalEmbedder(), cfg.Retrieval.Mode); err != nil {
		fmt.Fprintln(w, "❌ FAILED")
		fmt.Fprintf(w, "  Issue: %v\n", err)
		issues++
	} else {
		fts, vec := svc.Capabilities()
		switch {
		case fts && vec:
			fmt.Fprintf(w, "✅ OK (FTS5 + sqlite-vec, mode %s)\n", cfg.Retrieval.Mode)
		default:
			fmt.Fprintln(w, "⚠️  WARNING")
			if !fts {
				fmt.Fprintln(w, "  FTS5 unavailable: lexical ranking scans documents")
			}
			if !vec {
				fmt.Fprintln(w, "  sqlite-vec unavailable: vector ranking uses brute-force cosine")
			}
			warnings++
		}
	}

	// 5. Language model provider
	fmt.Fprint(w, "✓ Checking language model provider... ")
	switch strings.ToLower(cfg.LLM.Provider) {
	case "", llm.LocalName:
		fmt.Fprintln(w, "✅ OK (local, offline)")
	case llm.OpenAIName:
		key := os.Getenv(cfg.LLM.APIKeyEnv)
		if key == "" {
			fmt.Fprintln(w, "❌ FAILED")
			fmt.Fprintf(w, "  Issue: %s is not set\n", cfg.LLM.APIKeyEnv)
			fmt.Fprintf(w, "  Fix: export %s=<key> or set llm.provider: local\n", cfg.LLM.APIKeyEnv)
			issues++
		} else {
			fmt.Fprintf(w, "✅ OK (openai, key %s)\n", redact(key, 4))
		}
	default:
		fmt.Fprintln(w, "❌ FAILED")
		fmt.Fprintf(w, "  Issue: unsupported llm.provider %q\n", cfg.LLM.Provider)
		issues++
	}

	// 6. Environment
	fmt.Fprint(w, "✓ Checking environment... ")
	fmt.Fprintf(w, "✅ OK (%s/%s, deadline %s, lock mode %s)\n", runtime.GOOS, runtime.GOARCH,
		cfg.Workflow.Deadline(), cfg.Workflow.LockMode)

	// Summary
	fmt.Fprintln(w)
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if issues == 0 && warnings == 0 {
		fmt.Fprintln(w, "✅ All checks passed! APM is ready to use.")
	} else {
		if fixed > 0 {
			fmt.Fprintf(w, "🛠️  Auto-fixed %d issue(s)\n", fixed)
		}
		if issues > 0 {
			fmt.Fprintf(w, "❌ Found %d critical issue(s)\n", issues)
		}
		if warnings > 0 {
			fmt.Fprintf(w, "⚠️  Found %d warning(s)\n", warnings)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Run the suggested fixes above to resolve issues.")
	}
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	if issues > 0 {
		return fmt.Errorf("found %d critical issue(s)", issues)
	}
	return nil
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return strings.Join(parts, ", ")
}
