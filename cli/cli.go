package cli

import (
	"log"

	"github.com/spf13/cobra"

	keymanagercmd "github.com/ssvlabs/keymanager/cli/keymanager"
)

// RootCmd represents the root command of the keymanager CLI
var RootCmd = &cobra.Command{
	Use:   "keymanager",
	Short: "keymanager",
	Long:  `keymanager is a CLI for managing validator signing keys and their slashing protection history.`,
}

// Execute executes the root command
func Execute(appName, version string) {
	RootCmd.Short = appName
	RootCmd.Version = version

	if err := RootCmd.Execute(); err != nil {
		log.Fatal("failed to execute root command: ", err)
	}
}

func init() {
	RootCmd.AddCommand(keymanagercmd.StartNodeCmd)
	RootCmd.AddCommand(ListKeysCmd)
}
