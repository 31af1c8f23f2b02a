package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wabridge/wabridge/bridge/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a config file with a random JWT secret and secure defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "wabridge.json"
			}
			open, _ := cmd.Flags().GetBool("open")

			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", output)
			}

			secret := ""
			if !open {
				s, err := config.GenerateRandomSecret()
				if err != nil {
					return err
				}
				secret = s
			}

			cfg := config.Default(secret)

			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			data = append(data, '\n')

			if err := os.WriteFile(output, data, 0600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Printf("wrote %s\n", output)
			if open {
				fmt.Println("auth is disabled; the bridge will accept anonymous clients")
			}
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./wabridge.json)")
	cmd.Flags().Bool("open", false, "generate a config without auth (anonymous clients)")
	return cmd
}
