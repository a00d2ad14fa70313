package cmd

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsync/crypto"
)

var (
	deriveAccount string
	deriveSyncKey string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Sync key tools",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new sync key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateSyncKey()
		if err != nil {
			return err
		}
		color.New(color.FgGreen, color.Bold).Println(key)
		fmt.Println("Store this key safely. It cannot be recovered and every device needs it.")
		return nil
	},
}

var keysDeriveCmd = &cobra.Command{
	Use:   "derive",
	Short: "Print the key bundle derived from an account and sync key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if deriveAccount == "" || deriveSyncKey == "" {
			return errors.New("--account and --sync-key are required")
		}
		username := crypto.UsernameFromAccount(deriveAccount)
		kb, err := crypto.SyncKeyBundleFromFriendly(username, deriveSyncKey)
		if err != nil {
			return err
		}
		defer kb.Wipe()

		b64 := kb.Base64()
		label := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("%s %s\n", label("username:"), username)
		fmt.Printf("%s %s\n", label("encryption key:"), b64[0])
		fmt.Printf("%s %s\n", label("hmac key:"), b64[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd, keysDeriveCmd)
	keysDeriveCmd.Flags().StringVar(&deriveAccount, "account", "", "Account name or email address")
	keysDeriveCmd.Flags().StringVar(&deriveSyncKey, "sync-key", "", "Sync key in its friendly form")
}
