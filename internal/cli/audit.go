package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/viamin/aidp-sub015/internal/audit"
)

var (
	replayWorkUnit string
	replayEvent    string
	replayFrom     string
	replayTo       string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditReplayCmd)
	auditReplayCmd.Flags().StringVar(&replayWorkUnit, "work-unit", "", "Only entries for this work unit")
	auditReplayCmd.Flags().StringVar(&replayEvent, "event", "", "Only this event (work_unit_ended|violation)")
	auditReplayCmd.Flags().StringVar(&replayFrom, "from", "", "Start time filter (RFC3339)")
	auditReplayCmd.Flags().StringVar(&replayTo, "to", "", "End time filter (RFC3339)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect hash-chained audit exports",
	Long:  "Commands for verifying and inspecting the JSONL written by check --journal.\nWith no path, or with -, the chain is read from stdin.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of an audit export",
	Long:  "Walks the JSONL chain and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay [path]",
	Short: "Show audit entries with a summary",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditReplay,
}

// openChain returns the chain named by args, or stdin.
func openChain(cmd *cobra.Command, args []string) (io.ReadCloser, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, fmt.Errorf("open audit chain: %w", err)
	}
	return f, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	r, err := openChain(cmd, args)
	if err != nil {
		return err
	}
	defer r.Close()

	result := audit.Verify(r)
	if !result.Valid {
		return fmt.Errorf("FAILED at line %d: %s", result.ErrorLine, result.Error)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified\n", result.Lines)
	return nil
}

func runAuditReplay(cmd *cobra.Command, args []string) error {
	r, err := openChain(cmd, args)
	if err != nil {
		return err
	}
	defer r.Close()

	filter := audit.Filter{WorkUnitID: replayWorkUnit, Event: replayEvent}
	if replayFrom != "" {
		if filter.From, err = time.Parse(time.RFC3339, replayFrom); err != nil {
			return fmt.Errorf("invalid --from time %q: %w", replayFrom, err)
		}
	}
	if replayTo != "" {
		if filter.To, err = time.Parse(time.RFC3339, replayTo); err != nil {
			return fmt.Errorf("invalid --to time %q: %w", replayTo, err)
		}
	}

	result, err := audit.Replay(r, filter)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), result)
}
