package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/viamin/aidp-sub015/internal/audit"
	"github.com/viamin/aidp-sub015/internal/ruleoftwo"
	"github.com/viamin/aidp-sub015/internal/trifecta"
	"github.com/viamin/aidp-sub015/internal/watchmode"
	"github.com/viamin/aidp-sub015/internal/workloop"
)

var (
	checkWorkUnit    string
	checkIssue       int
	checkPR          int
	checkURL         string
	checkWebhook     bool
	checkWorkflow    string
	checkOps         []string
	checkCredentials bool
	checkSecret      string
	checkScope       string
	checkJournal     string
)

// errViolation makes the command exit non-zero after the report is printed.
var errViolation = errors.New("rule of two violation")

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkWorkUnit, "work-unit", "", "Work unit id (default: generated)")
	checkCmd.Flags().IntVar(&checkIssue, "issue", 0, "GitHub issue number the work came from")
	checkCmd.Flags().IntVar(&checkPR, "pr", 0, "GitHub pull request number the work came from")
	checkCmd.Flags().StringVar(&checkURL, "url", "", "External URL the work came from")
	checkCmd.Flags().BoolVar(&checkWebhook, "webhook", false, "Work was triggered by a webhook payload")
	checkCmd.Flags().StringVar(&checkWorkflow, "workflow", "", "Workflow type (watch_mode marks input as untrusted)")
	checkCmd.Flags().StringArrayVar(&checkOps, "op", nil, "Agent operation to check, in order (repeatable)")
	checkCmd.Flags().BoolVar(&checkCredentials, "credentials", false, "Every --op requires credentials")
	checkCmd.Flags().StringVar(&checkSecret, "secret", "", "Request a credential for this secret after the operations")
	checkCmd.Flags().StringVar(&checkScope, "scope", "", "Scope for --secret")
	checkCmd.Flags().StringVar(&checkJournal, "journal", "", "Also write this run's hash-chained audit entries to FILE")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run a work unit through the Rule of Two",
	Long: "Begins a work unit from the given context, checks each --op in order,\n" +
		"optionally requests a credential, and prints the final capability state.\n\n" +
		"Exit code 0 if every step is allowed, 1 on the first violation. The\n" +
		"watch mode decision for that violation is included in the report.",
	Args: cobra.NoArgs,
	RunE: runCheck,
}

type checkCredential struct {
	SecretName   string    `json:"secret_name"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	DirectAccess bool      `json:"direct_access"`
}

type checkViolation struct {
	Step    string        `json:"step"`
	Flag    trifecta.Flag `json:"flag"`
	Source  string        `json:"source"`
	Message string        `json:"message"`
}

type checkReport struct {
	Enabled    bool               `json:"enabled"`
	WorkUnitID string             `json:"work_unit_id,omitempty"`
	Allowed    bool               `json:"allowed"`
	Checked    []string           `json:"checked"`
	Credential *checkCredential   `json:"credential,omitempty"`
	Violation  *checkViolation    `json:"violation,omitempty"`
	WatchMode  *watchmode.Outcome `json:"watch_mode,omitempty"`
	State      *trifecta.Snapshot `json:"state,omitempty"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	var extra []ruleoftwo.Option
	if checkJournal != "" {
		f, err := os.Create(checkJournal)
		if err != nil {
			return fmt.Errorf("create journal: %w", err)
		}
		defer f.Close()
		extra = append(extra, ruleoftwo.WithJournal(audit.NewChain(f)))
	}

	s, err := openSession(extra...)
	if err != nil {
		return err
	}
	defer s.close()

	adapter := workloop.New(s.cfg, s.enforcer, s.proxy, workloop.WithLogger(s.logger))
	handler := watchmode.New(nil, s.cfg.WatchMode, watchmode.WithLogger(s.logger), watchmode.WithMetrics(s.metrics))

	report := checkReport{Enabled: adapter.Enabled(), Allowed: true, Checked: []string{}}
	wc := workloop.WorkContext{
		IssueNumber:    checkIssue,
		PRNumber:       checkPR,
		ExternalURL:    checkURL,
		WebhookPayload: checkWebhook,
		WorkflowType:   checkWorkflow,
	}

	state, err := adapter.BeginWorkUnit(checkWorkUnit, wc)
	if state != nil {
		report.WorkUnitID = state.WorkUnitID()
	}
	err = report.record("begin", err)

	for _, op := range checkOps {
		if err != nil {
			break
		}
		err = report.record(op, adapter.CheckAgentCallAllowed(op, checkCredentials))
	}

	if err == nil && checkSecret != "" {
		var cred workloop.Credential
		cred, err = adapter.RequestCredential(checkSecret, checkScope)
		if err == nil {
			if cred.Token != "" {
				s.proxy.RevokeToken(cred.Token)
			}
			report.Credential = &checkCredential{
				SecretName:   cred.SecretName,
				Scope:        cred.Scope,
				ExpiresAt:    cred.ExpiresAt,
				DirectAccess: cred.DirectAccess,
			}
		}
		err = report.record("credential:"+checkSecret, err)
	}

	if v, ok := trifecta.AsPolicyViolation(err); ok {
		out := handler.HandleViolation(context.Background(), v, watchmode.ViolationContext{
			WorkUnitID:  v.WorkUnitID,
			IssueNumber: checkIssue,
			PRNumber:    checkPR,
		})
		report.WatchMode = &out
	}

	if snap, ok := adapter.EndWorkUnit(); ok {
		report.State = &snap
	}

	if werr := writeJSON(cmd.OutOrStdout(), report); werr != nil {
		return werr
	}
	if report.Violation != nil {
		return errViolation
	}
	return err
}

// record notes a step's result. Violations are kept in the report; other
// errors abort the command.
func (r *checkReport) record(step string, err error) error {
	if err == nil {
		if step != "begin" {
			r.Checked = append(r.Checked, step)
		}
		return nil
	}
	r.Allowed = false
	if v, ok := trifecta.AsPolicyViolation(err); ok {
		r.Violation = &checkViolation{
			Step:    step,
			Flag:    v.Flag,
			Source:  v.Source,
			Message: v.Error(),
		}
		return err
	}
	return fmt.Errorf("%s: %w", step, err)
}
