package cli

import (
	"log"
	"os"

	"github.com/aquasecurity/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssvlabs/keymanager/keymanager/store"
	"github.com/ssvlabs/keymanager/logging"
	"github.com/ssvlabs/keymanager/storage/basedb"
	"github.com/ssvlabs/keymanager/storage/kv"
)

var listKeysDBPath string

// ListKeysCmd is a maintenance command reading the durable key store
// directly, without a running node.
var ListKeysCmd = &cobra.Command{
	Use:   "list-keys",
	Short: "Lists the keys persisted in the key store",
	Run: func(cmd *cobra.Command, args []string) {
		if err := logging.SetGlobalLogger("info", "capital", ""); err != nil {
			log.Fatal("could not create logger: ", err)
		}
		logger := zap.L()

		db, err := kv.New(logger, basedb.Options{Path: listKeysDBPath})
		if err != nil {
			logger.Fatal("could not open db", zap.Error(err))
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Error("could not close db", zap.Error(err))
			}
		}()

		keyStore := store.New(logger, db)

		localKeys, err := keyStore.ListLocalKeys()
		if err != nil {
			logger.Fatal("could not list local keys", zap.Error(err))
		}
		remoteKeys, err := keyStore.ListRemoteKeys()
		if err != nil {
			logger.Fatal("could not list remote keys", zap.Error(err))
		}

		tbl := table.New(os.Stdout)
		tbl.SetHeaders("Public Key", "Type", "URL")
		for _, pubKey := range localKeys {
			tbl.AddRow(pubKey.String(), "local", "")
		}
		for _, record := range remoteKeys {
			tbl.AddRow(record.PubKey.String(), "remote", record.URL)
		}
		tbl.Render()
	},
}

func init() {
	ListKeysCmd.Flags().StringVar(&listKeysDBPath, "db-path", "./data/db", "Path to the database directory")
}
