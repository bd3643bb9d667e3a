package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/viamin/aidp-sub015/internal/config"
	"github.com/viamin/aidp-sub015/internal/secrets"
)

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap the project's security configuration",
	Long: `Creates .aidp/aidp.yml with the default Rule of Two, watch mode, secrets
proxy and audit settings, and the .aidp/security directory that holds the
secrets registry.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := resolveProjectDir()
	if err != nil {
		return err
	}

	var created []string

	securityDir := filepath.Dir(secrets.RegistryPath(dir))
	if err := os.MkdirAll(securityDir, 0o700); err != nil {
		return fmt.Errorf("create security directory: %w", err)
	}

	path := configPath
	if path == "" {
		path = config.DefaultPath(dir)
	}
	content, err := config.DefaultYAML()
	if err != nil {
		return fmt.Errorf("generate default config: %w", err)
	}
	if wrote, err := writeIfMissing(path, content); err != nil {
		return err
	} else if wrote {
		created = append(created, path)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "aidp-guard init complete.")
	if len(created) > 0 {
		fmt.Fprintln(out, "Created:")
		for _, p := range created {
			fmt.Fprintf(out, "  %s\n", p)
		}
	} else {
		fmt.Fprintln(out, "All files already exist (use --force to overwrite).")
	}
	fmt.Fprintln(out, "Next: aidp-guard secrets register NAME --env-var VAR")
	return nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
