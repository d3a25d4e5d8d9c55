package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/frameflow/internal/storage/journal"
	"github.com/ChuLiYu/frameflow/pkg/types"
)

func buildJournalCommand() *cobra.Command {
	var dump, validate bool

	cmd := &cobra.Command{
		Use:   "journal [file]",
		Short: "Inspect a result journal",
		Long:  "Print statistics of a result journal; defaults to journal.path from the config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				path = cfg.Journal.Path
			}
			return inspectJournal(path, dump, validate, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&dump, "dump", false, "print every record")
	cmd.Flags().BoolVar(&validate, "validate", false, "check checksums and sequence numbering")
	return cmd
}

func inspectJournal(path string, dump, validate bool, out io.Writer) error {
	if dump {
		if err := journal.Dump(path, out); err != nil {
			return fmt.Errorf("failed to dump journal: %w", err)
		}
	}

	st, err := journal.GetStats(path)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}

	fmt.Fprintf(out, "📒 Journal %s\n", path)
	fmt.Fprintf(out, "  ├─ Records:   %d (seq %d..%d)\n", st.TotalRecords, st.FirstSeq, st.LastSeq)
	if st.TotalRecords > 0 {
		fmt.Fprintf(out, "  ├─ Span:      %s → %s\n",
			time.UnixMilli(st.TimeRange[0]).Format(time.RFC3339), time.UnixMilli(st.TimeRange[1]).Format(time.RFC3339))
	}
	sources := make([]string, 0, len(st.PerSource))
	for src := range st.PerSource {
		sources = append(sources, string(src))
	}
	sort.Strings(sources)
	for _, src := range sources {
		fmt.Fprintf(out, "  ├─ %-10s %d\n", src, st.PerSource[types.SourceID(src)])
	}
	fmt.Fprintf(out, "  └─ Corrupted: %d\n", st.Corrupted)

	if validate {
		if err := journal.Validate(path); err != nil {
			return fmt.Errorf("journal is invalid: %w", err)
		}
		fmt.Fprintln(out, "✅ Journal is valid")
	}
	return nil
}
