package cli

import (
	"fmt"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/viamin/aidp-sub015/internal/config"
	"github.com/viamin/aidp-sub015/internal/ruleoftwo"
	"github.com/viamin/aidp-sub015/internal/secrets"
)

var (
	statusYAML    bool
	statusMetrics bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusYAML, "yaml", false, "Output YAML instead of JSON")
	statusCmd.Flags().BoolVar(&statusMetrics, "metrics", false, "Print Prometheus metrics in text exposition format")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show effective configuration, registry and proxy state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

type secretsStatus struct {
	RegistryPath string            `json:"registry_path"`
	Count        int               `json:"count"`
	Entries      []secrets.Listing `json:"entries"`
	StripList    []string          `json:"strip_list"`
}

type statusReport struct {
	Version   string                `json:"version"`
	Project   string                `json:"project"`
	Config    config.Config         `json:"config"`
	RuleOfTwo ruleoftwo.Summary     `json:"rule_of_two"`
	Secrets   secretsStatus         `json:"secrets"`
	Tokens    secrets.TokensSummary `json:"tokens"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	if statusMetrics {
		return writeMetrics(cmd, s)
	}

	list := s.registry.List()
	strip := s.registry.EnvVarsToStrip()
	if list == nil {
		list = []secrets.Listing{}
	}
	if strip == nil {
		strip = []string{}
	}
	report := statusReport{
		Version:   version,
		Project:   s.project,
		Config:    s.cfg,
		RuleOfTwo: s.enforcer.StatusSummary(),
		Secrets: secretsStatus{
			RegistryPath: s.registry.Path(),
			Count:        len(list),
			Entries:      list,
			StripList:    strip,
		},
		Tokens: s.proxy.ActiveTokensSummary(),
	}

	if statusYAML {
		return writeYAML(cmd.OutOrStdout(), report)
	}
	return writeJSON(cmd.OutOrStdout(), report)
}

func writeMetrics(cmd *cobra.Command, s *session) error {
	families, err := s.gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(cmd.OutOrStdout(), mf); err != nil {
			return err
		}
	}
	return nil
}
