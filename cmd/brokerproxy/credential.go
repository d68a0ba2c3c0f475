package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrpan/brokerproxy/internal/credential"
)

func newCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage stored runner credentials",
	}
	cmd.AddCommand(newCredentialImportCmd(), newCredentialClearCmd())
	return cmd
}

func newCredentialImportCmd() *cobra.Command {
	var targetID string
	cmd := &cobra.Command{
		Use:   "import <runner-dir>",
		Short: "Import the credential of a configured runner directory",
		Long: `import reads .runner, .credentials and .credentials_rsaparams from a
directory where config.sh has registered a self-hosted runner, and stores
the resulting credential for --target.

The runner itself should not be started afterwards: the broker accepts
one session per runner registration.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := cfg.NewCredentialStore()
			if err != nil {
				return fmt.Errorf("opening credential store: %w", err)
			}
			cred, err := credential.ImportRunnerDir(args[0])
			if err != nil {
				return fmt.Errorf("importing %s: %w", args[0], err)
			}
			if err := store.Save(targetID, cred); err != nil {
				return fmt.Errorf("saving credential: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored credential for runner %q (agent %d) as target %s\n",
				cred.AgentName, cred.AgentID, targetID)
			return nil
		},
	}
	cmd.Flags().StringVar(&targetID, "target", "", "Target id the credential belongs to")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newCredentialClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <target>",
		Short: "Delete the stored credential of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := cfg.NewCredentialStore()
			if err != nil {
				return fmt.Errorf("opening credential store: %w", err)
			}
			if err := store.Clear(args[0]); err != nil {
				return fmt.Errorf("clearing credential: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared credential for target %s\n", args[0])
			return nil
		},
	}
}
