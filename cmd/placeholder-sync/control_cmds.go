package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alexjbarnes/placeholder-sync/internal/auth"
	"github.com/alexjbarnes/placeholder-sync/internal/engine"
	"github.com/alexjbarnes/placeholder-sync/internal/journal"
	"github.com/alexjbarnes/placeholder-sync/internal/policy"
	"github.com/alexjbarnes/placeholder-sync/reconcile"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what the journal tracks and how the last pass went",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.engine.Status()
			if err != nil {
				return err
			}

			printStatus(cmd.OutOrStdout(), a.cfg.SyncDir, a.policy, st)

			return nil
		},
	}
}

func printStatus(w io.Writer, dir string, pol *policy.Policy, st engine.Status) {
	fmt.Fprintf(w, "sync dir:      %s\n", dir)

	pinned := "none"
	if patterns := pol.PinnedPatterns(); len(patterns) > 0 {
		pinned = strings.Join(patterns, ", ")
	}

	fmt.Fprintf(w, "pinned:        %s\n", pinned)
	fmt.Fprintf(w, "exclude rules: %d\n", len(pol.ExcludeLines()))
	fmt.Fprintf(w, "records:       %d\n", st.Records)
	fmt.Fprintf(w, "files:         %d (%s)\n", st.Files, humanize.Bytes(uint64(max(st.LocalBytes, 0))))
	fmt.Fprintf(w, "directories:   %d\n", st.Directories)
	fmt.Fprintf(w, "placeholders:  %d (%s on server only)\n", st.Placeholders+st.MarkedForDownload, humanize.Bytes(uint64(max(st.PlaceholderBytes, 0))))

	if st.MarkedForDownload > 0 {
		fmt.Fprintf(w, "  queued:      %d\n", st.MarkedForDownload)
	}

	fmt.Fprintf(w, "conflicts:     %d\n", st.Conflicts)

	if len(st.Certificates) > 0 {
		fmt.Fprintf(w, "certificates:  %d accepted without verification\n", len(st.Certificates))

		for _, c := range st.Certificates {
			fmt.Fprintf(w, "  %s  %s (expires %s)\n", c.Fingerprint, c.Subject, c.NotAfter.Format(time.DateOnly))
		}
	}

	if st.LastPass.FinishedAt.IsZero() {
		fmt.Fprintln(w, "last pass:     never")
		return
	}

	fmt.Fprintf(w, "last pass:     %s (%d applied, %d failed, %d conflicts)\n",
		humanize.Time(st.LastPass.FinishedAt), st.LastPass.Applied, st.LastPass.Failed, st.LastPass.Conflicts)
}

func newConflictsCmd() *cobra.Command {
	var showPreview bool

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List paths whose local and server copies diverged",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			conflicts, err := a.engine.Conflicts()
			if err != nil {
				return err
			}

			printConflicts(cmd.OutOrStdout(), conflicts, showPreview)

			return nil
		},
	}

	cmd.Flags().BoolVar(&showPreview, "preview", false, "include the diff preview for text files")

	return cmd
}

func printConflicts(w io.Writer, conflicts []journal.ConflictRecord, showPreview bool) {
	if len(conflicts) == 0 {
		fmt.Fprintln(w, "no conflicts")
		return
	}

	for _, cr := range conflicts {
		fmt.Fprintf(w, "%s  (%s)\n", cr.Path, cr.DetectedAt.Local().Format(time.DateTime))

		if cr.CopyPath != "" {
			fmt.Fprintf(w, "  local copy: %s\n", cr.CopyPath)
		}

		if showPreview && cr.Preview != "" {
			fmt.Fprintf(w, "%s\n", cr.Preview)
		}
	}
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <path>",
		Short: "Forget a conflict once its copy has been dealt with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.ResolveConflict(args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s\n", reconcile.NormalizePath(args[0]))

			return nil
		},
	}
}

func newDownloadCmd() *cobra.Command {
	var now bool

	cmd := &cobra.Command{
		Use:   "download <path>",
		Short: "Flag a placeholder, or every placeholder in a directory, for download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			path := reconcile.NormalizePath(args[0])

			flagged, err := a.engine.RequestDownload(path)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d placeholder(s) flagged for download\n", flagged)

			if !now || flagged == 0 {
				return nil
			}

			result, err := a.engine.SyncScope(cmd.Context(), path)
			if err != nil {
				return err
			}

			printPassResult(cmd.OutOrStdout(), result)

			return nil
		},
	}

	cmd.Flags().BoolVar(&now, "now", false, "run a pass over the path immediately")

	return cmd
}

func newPlaceholdersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "placeholders [prefix]",
		Short: "List files that exist only on the server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}

			a, err := openApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.engine.Placeholders(prefix)
			if err != nil {
				return err
			}

			printPlaceholders(cmd.OutOrStdout(), records)

			return nil
		},
	}
}

func printPlaceholders(w io.Writer, records []reconcile.ItemRecord) {
	var total int64

	for _, rec := range records {
		total += rec.Size

		flag := ""
		if rec.Type == reconcile.ItemTypePlaceholderMarkedForDownload {
			flag = "  [queued]"
		}

		fmt.Fprintf(w, "%10s  %s%s\n", humanize.Bytes(uint64(max(rec.Size, 0))), rec.Path, flag)
	}

	fmt.Fprintf(w, "%d placeholder(s), %s\n", len(records), humanize.Bytes(uint64(max(total, 0))))
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an API key for MCP_API_KEYS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), auth.GenerateAPIKey())
			return err
		},
	}
}
