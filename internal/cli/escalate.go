package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/viamin/aidp-sub015/internal/github"
	"github.com/viamin/aidp-sub015/internal/trifecta"
	"github.com/viamin/aidp-sub015/internal/watchmode"
)

var (
	escalateRepo        string
	escalateIssue       int
	escalatePR          int
	escalateFlag        string
	escalateSource      string
	escalateWorkUnit    string
	escalateTokenSecret string
	escalateAPIURL      string
)

func init() {
	rootCmd.AddCommand(escalateCmd)
	escalateCmd.Flags().StringVar(&escalateRepo, "repo", "", "Repository as owner/name (required)")
	escalateCmd.Flags().IntVar(&escalateIssue, "issue", 0, "Issue number to comment on")
	escalateCmd.Flags().IntVar(&escalatePR, "pr", 0, "Pull request number to comment on (wins over --issue)")
	escalateCmd.Flags().StringVar(&escalateFlag, "flag", "", "Flag that was blocked: untrusted_input, private_data or egress (required)")
	escalateCmd.Flags().StringVar(&escalateSource, "source", "", "Source of the blocked enable")
	escalateCmd.Flags().StringVar(&escalateWorkUnit, "work-unit", "", "Work unit id (required)")
	escalateCmd.Flags().StringVar(&escalateTokenSecret, "token-secret", "github_token", "Registered secret holding the GitHub token")
	escalateCmd.Flags().StringVar(&escalateAPIURL, "api-url", "", "GitHub API base URL (default: api.github.com)")
	_ = escalateCmd.MarkFlagRequired("repo")
	_ = escalateCmd.MarkFlagRequired("flag")
	_ = escalateCmd.MarkFlagRequired("work-unit")
}

var escalateCmd = &cobra.Command{
	Use:   "escalate",
	Short: "Post a security incident comment and needs-input label",
	Long: "Fails a work unit forward: posts the incident comment for a blocked\n" +
		"flag to the pull request (or issue) and applies the needs-input label.\n" +
		"The GitHub token is read through the secrets proxy.",
	Args: cobra.NoArgs,
	RunE: runEscalate,
}

func runEscalate(cmd *cobra.Command, args []string) error {
	if escalateIssue <= 0 && escalatePR <= 0 {
		return fmt.Errorf("one of --issue or --pr is required")
	}
	flag, err := trifecta.ParseFlag(escalateFlag)
	if err != nil {
		return err
	}
	if _, _, err := github.ParseRepo(escalateRepo); err != nil {
		return err
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	issued, err := s.proxy.RequestToken(escalateTokenSecret)
	if err != nil {
		return fmt.Errorf("github token: %w", err)
	}
	token, err := s.proxy.ExchangeToken(issued.Token)
	if err != nil {
		return fmt.Errorf("github token: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	opts := []github.Option{github.WithLogger(s.logger)}
	if escalateAPIURL != "" {
		opts = append(opts, github.WithBaseURL(escalateAPIURL))
	}
	client, err := github.New(ctx, token, escalateRepo, opts...)
	if err != nil {
		return err
	}

	v := blockedViolation(escalateWorkUnit, flag, escalateSource)
	handler := watchmode.New(client, s.cfg.WatchMode,
		watchmode.WithLogger(s.logger),
		watchmode.WithMetrics(s.metrics),
		watchmode.WithRedactor(s.proxy.Redactor().Redact),
	)
	out := handler.Escalate(ctx, v, watchmode.ViolationContext{
		WorkUnitID:  escalateWorkUnit,
		IssueNumber: escalateIssue,
		PRNumber:    escalatePR,
	})
	return writeJSON(cmd.OutOrStdout(), out)
}

// blockedViolation rebuilds the violation for flag: the other two flags are
// on, so enabling flag is refused.
func blockedViolation(workUnitID string, flag trifecta.Flag, source string) *trifecta.PolicyViolation {
	if source == "" {
		source = "reported"
	}
	st := trifecta.NewState(workUnitID)
	for _, f := range trifecta.Flags {
		if f != flag {
			_ = st.Enable(f, "reported")
		}
	}
	v, _ := trifecta.AsPolicyViolation(st.Enable(flag, source))
	return v
}
