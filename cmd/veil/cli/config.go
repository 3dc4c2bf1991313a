package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/veil/internal/seal"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage stored settings",
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a stored setting; keys ending in .api_key are sealed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := getStore(cfg, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		if strings.HasSuffix(key, apiKeySuffix) {
			sealer, err := seal.NewMachineSealer()
			if err != nil {
				return err
			}
			if value, err = sealer.Seal(key, value); err != nil {
				return fmt.Errorf("failed to seal %s: %w", key, err)
			}
		}

		if err := s.SetConfig(key, value); err != nil {
			return fmt.Errorf("failed to set config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved: %s\n", key)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a stored setting; sealed values are masked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := getStore(cfg, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		val, err := s.GetConfig(key)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		switch {
		case val == "":
			fmt.Fprintln(out, "(not set)")
		case seal.IsSealed(val):
			sealer, err := seal.NewMachineSealer()
			if err != nil {
				return err
			}
			plain, err := sealer.Open(key, val)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", key, err)
			}
			fmt.Fprintln(out, seal.MaskSecret(plain))
		default:
			fmt.Fprintln(out, val)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
}
