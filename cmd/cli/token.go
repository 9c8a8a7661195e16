package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"autorules/internal/config"
	"autorules/pkg/dtable"
)

var (
	flagDTableUUID string
	flagUsername   string
)

// tokenCmd mints a short-lived dtable access token for manual API calls.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a dtable access token (HS256)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if cfg.DTable.PrivateKey == "" {
			return fmt.Errorf("dtable.private_key is empty; set it in config")
		}
		if flagDTableUUID == "" {
			return fmt.Errorf("--dtable-uuid is required")
		}
		tok, err := dtable.AccessToken(cfg.DTable.PrivateKey, flagDTableUUID, flagUsername)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

var tokenDecodeCmd = &cobra.Command{
	Use:   "decode <token>",
	Short: "Verify a dtable access token and print its claims",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		uuid, username, permission, err := dtable.ParseAccessToken(cfg.DTable.PrivateKey, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("dtable_uuid: %s\nusername: %s\npermission: %s\n", uuid, username, permission)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&flagDTableUUID, "dtable-uuid", "", "dtable uuid the token grants access to")
	tokenCmd.Flags().StringVar(&flagUsername, "username", "automation-rules", "identity embedded in the token")
	tokenCmd.AddCommand(tokenDecodeCmd)
	rootCmd.AddCommand(tokenCmd)
}
