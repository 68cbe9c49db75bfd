package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/memoria/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.ApplyEnv(env); err != nil {
			return err
		}
		cfg.Database.Password = config.Mask(cfg.Database.Password)
		cfg.Index.APIKey = config.Mask(cfg.Index.APIKey)

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), cfg)
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for errors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.ApplyEnv(env); err != nil {
			return err
		}
		res := cfg.Validate()
		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
		} else {
			for _, w := range res.Warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", w)
			}
			for _, e := range res.Errors {
				fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", e)
			}
		}
		if !res.Valid {
			return fmt.Errorf("configuration is invalid")
		}
		if !jsonOutput {
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
		}
		return nil
	},
}

var configSealCmd = &cobra.Command{
	Use:   "seal [secret]",
	Short: "Encrypt a secret for use as database.password in a config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := strings.TrimSpace(args[0])
		if secret == "" {
			return fmt.Errorf("secret is empty")
		}
		box, err := config.NewSecretBox()
		if err != nil {
			return err
		}
		sealed, err := box.Seal(secret)
		if err != nil {
			return fmt.Errorf("failed to seal secret: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configValidateCmd, configSealCmd)
}
