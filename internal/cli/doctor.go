package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/viamin/aidp-sub015/internal/config"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check project readiness and diagnose configuration issues",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	var checks []checkResult

	// Config file.
	cfgFile := configPath
	if cfgFile == "" {
		cfgFile = config.DefaultPath(s.project)
	}
	if _, err := os.Stat(cfgFile); err == nil {
		checks = append(checks, checkResult{label: "config", ok: true, detail: cfgFile})
	} else {
		checks = append(checks, checkResult{label: "config", ok: false, detail: "missing, using defaults", fix: "aidp-guard init"})
	}

	// Enforcement.
	if s.cfg.RuleOfTwo.Enabled {
		checks = append(checks, checkResult{label: "rule of two", ok: true, detail: "enabled"})
	} else {
		checks = append(checks, checkResult{label: "rule of two", ok: false, detail: "disabled", fix: "set rule_of_two.enabled: true"})
	}

	// Registered secrets and their variables.
	listing := s.registry.List()
	var unset []string
	for _, l := range listing {
		if !l.HasValue {
			unset = append(unset, l.Name+" ("+l.EnvVar+")")
		}
	}
	if len(unset) == 0 {
		checks = append(checks, checkResult{label: "secrets", ok: true, detail: fmt.Sprintf("%d registered", len(listing))})
	} else {
		checks = append(checks, checkResult{
			label:  "secrets",
			ok:     false,
			detail: "unset: " + strings.Join(unset, ", "),
			fix:    "export the variables or aidp-guard secrets unregister NAME",
		})
	}

	// Watch mode.
	wm := s.cfg.WatchMode
	if wm.FailForwardEnabled {
		checks = append(checks, checkResult{
			label:  "watch mode",
			ok:     true,
			detail: fmt.Sprintf("fail forward after %d retries, label %q", wm.MaxRetryAttempts, wm.NeedsInputLabel),
		})
	} else {
		checks = append(checks, checkResult{label: "watch mode", ok: true, detail: "fail forward disabled"})
	}

	out := cmd.OutOrStdout()
	hasFailures := false
	for _, c := range checks {
		mark := "✓"
		if !c.ok {
			mark = "✗"
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-15s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Fprintln(out, line)
	}

	fmt.Fprintln(out)
	if hasFailures {
		fmt.Fprintln(out, "Some checks failed. Run the suggested commands to fix.")
		return fmt.Errorf("doctor found issues")
	}
	fmt.Fprintln(out, "All checks passed.")
	return nil
}
