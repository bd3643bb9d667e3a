package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/viamin/aidp-sub015/internal/secrets"
)

var (
	secretsEnvVar      string
	secretsDescription string
	secretsScopes      []string
	secretsRedactCheck bool
)

func init() {
	rootCmd.AddCommand(secretsCmd)
	secretsCmd.AddCommand(secretsRegisterCmd, secretsUnregisterCmd, secretsListCmd, secretsStripListCmd, secretsRedactCmd)

	secretsRegisterCmd.Flags().StringVar(&secretsEnvVar, "env-var", "", "Environment variable holding the secret (required)")
	secretsRegisterCmd.Flags().StringVar(&secretsDescription, "description", "", "Human-readable description")
	secretsRegisterCmd.Flags().StringArrayVar(&secretsScopes, "scope", nil, "Allowed scope (repeatable; none means unrestricted)")
	_ = secretsRegisterCmd.MarkFlagRequired("env-var")

	secretsRedactCmd.Flags().BoolVar(&secretsRedactCheck, "check", false, "Report leaked secret names and fail instead of printing redacted text")
}

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage the project's secrets registry",
}

var secretsRegisterCmd = &cobra.Command{
	Use:   "register NAME",
	Short: "Map a secret name to an environment variable",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretsRegister,
}

var secretsUnregisterCmd = &cobra.Command{
	Use:   "unregister NAME",
	Short: "Remove a secret from the registry",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretsUnregister,
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered secrets and whether their variables are set",
	Args:  cobra.NoArgs,
	RunE:  runSecretsList,
}

var secretsStripListCmd = &cobra.Command{
	Use:   "strip-list",
	Short: "Print the environment variables removed from agent subprocesses",
	Args:  cobra.NoArgs,
	RunE:  runSecretsStripList,
}

var secretsRedactCmd = &cobra.Command{
	Use:   "redact",
	Short: "Replace registered secret values read from stdin",
	Long:  "Reads text from stdin and writes it to stdout with every registered\nsecret value replaced by a <<SECRET:name>> marker.",
	Args:  cobra.NoArgs,
	RunE:  runSecretsRedact,
}

func runSecretsRegister(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	entry, err := s.registry.Register(args[0], secretsEnvVar, secrets.RegisterOptions{
		Description: secretsDescription,
		Scopes:      secretsScopes,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered %s -> %s (id %s)\n", entry.Name, entry.EnvVar, entry.ID)
	return nil
}

func runSecretsUnregister(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	removed, err := s.registry.Unregister(args[0])
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("secret %q is not registered", args[0])
	}
	if n := s.proxy.RevokeAllForSecret(args[0]); n > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Revoked %d active tokens\n", n)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Unregistered %s\n", args[0])
	return nil
}

func runSecretsList(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	list := s.registry.List()
	if list == nil {
		list = []secrets.Listing{}
	}
	return writeJSON(cmd.OutOrStdout(), list)
}

func runSecretsStripList(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	for _, v := range s.registry.EnvVarsToStrip() {
		fmt.Fprintln(cmd.OutOrStdout(), v)
	}
	return nil
}

func runSecretsRedact(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	in, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	r := s.proxy.Redactor()
	if secretsRedactCheck {
		if leaks := r.Leaks(string(in)); len(leaks) > 0 {
			return fmt.Errorf("input contains secret values: %s", strings.Join(leaks, ", "))
		}
		fmt.Fprintln(cmd.OutOrStdout(), "OK: no secret values found")
		return nil
	}
	_, err = io.WriteString(cmd.OutOrStdout(), r.Redact(string(in)))
	return err
}
