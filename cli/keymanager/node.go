package keymanager

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssvlabs/keymanager/api/handlers"
	apiserver "github.com/ssvlabs/keymanager/api/server"
	globalconfig "github.com/ssvlabs/keymanager/cli/config"
	"github.com/ssvlabs/keymanager/keymanager"
	"github.com/ssvlabs/keymanager/keymanager/ledger"
	"github.com/ssvlabs/keymanager/keymanager/registry"
	"github.com/ssvlabs/keymanager/keymanager/store"
	"github.com/ssvlabs/keymanager/logging"
	"github.com/ssvlabs/keymanager/migrations"
	"github.com/ssvlabs/keymanager/monitoring/metrics"
	"github.com/ssvlabs/keymanager/storage/basedb"
	"github.com/ssvlabs/keymanager/storage/kv"
)

type config struct {
	globalconfig.GlobalConfig `yaml:"global"`
	DBOptions                 basedb.Options `yaml:"db"`

	GenesisValidatorsRoot string `yaml:"GenesisValidatorsRoot" env:"GENESIS_VALIDATORS_ROOT" env-description:"Genesis validators root of the network, stamped on slashing protection exports"`
	KeyManagerAPIAddr     string `yaml:"KeyManagerAPIAddr" env:"KEYMANAGER_API_ADDR" env-default:":8090" env-description:"Address to listen on for the keymanager API"`
	MetricsAPIPort        int    `yaml:"MetricsAPIPort" env:"METRICS_API_PORT" env-description:"Port to listen on for the metrics API"`
	EnableProfile         bool   `yaml:"EnableProfile" env:"ENABLE_PROFILE" env-description:"Flag that indicates whether go profiling tools are enabled"`
}

var cfg config

var globalArgs globalconfig.Args

var StartNodeCmd = &cobra.Command{
	Use:   "start-node",
	Short: "Starts an instance of the keymanager node",
	Run: func(cmd *cobra.Command, args []string) {
		logger, err := setupGlobal()
		if err != nil {
			log.Fatal("could not create logger: ", err)
		}

		defer logging.CapturePanic(logger)

		if err := keymanager.InitBLS(); err != nil {
			logger.Fatal("could not initialize BLS", zap.Error(err))
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		genesisValidatorsRoot, err := parseGenesisValidatorsRoot(cfg.GenesisValidatorsRoot)
		if err != nil {
			logger.Fatal("could not parse genesis validators root", zap.Error(err))
		}

		cfg.DBOptions.Ctx = ctx
		db, err := kv.New(logger, cfg.DBOptions)
		if err != nil {
			logger.Fatal("could not setup db", zap.Error(err))
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Error("could not close db", zap.Error(err))
			}
		}()

		applied, err := migrations.Run(ctx, logger, migrations.Options{
			Db:                    db,
			GenesisValidatorsRoot: genesisValidatorsRoot,
		})
		if err != nil {
			logger.Fatal("could not run migrations", zap.Error(err))
		}
		logger.Info("applied migrations", zap.Int("count", applied))

		keyStore := store.New(logger, db)
		slashingLedger := ledger.New(logger, db, genesisValidatorsRoot)
		signerRegistry := registry.New(logger, nil)

		// Remote descriptors are plaintext, so the registry can be
		// rehydrated from them without operator interaction. Local keys
		// need their passwords and re-enter through the import API.
		if err := rehydrateRemoteKeys(logger, keyStore, signerRegistry); err != nil {
			logger.Fatal("could not rehydrate remote keys", zap.Error(err))
		}

		manager := keymanager.New(logger, signerRegistry, keyStore, slashingLedger)

		if cfg.MetricsAPIPort > 0 {
			go startMetricsHandler(ctx, logger, db, fmt.Sprintf(":%d", cfg.MetricsAPIPort), cfg.EnableProfile)
		}

		apiServer := apiserver.New(logger, cfg.KeyManagerAPIAddr, &handlers.KeyManager{Manager: manager})
		go func() {
			if err := apiServer.Run(); err != nil {
				logger.Fatal("keymanager API server stopped", zap.Error(err))
			}
		}()

		<-ctx.Done()
		logger.Info("shutting down")
	},
}

func init() {
	globalconfig.ProcessArgs(&cfg, &globalArgs, StartNodeCmd)
}

func setupGlobal() (*zap.Logger, error) {
	if globalArgs.ConfigPath != "" {
		if err := cleanenv.ReadConfig(globalArgs.ConfigPath, &cfg); err != nil {
			return nil, errors.Wrap(err, "could not read config")
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, errors.Wrap(err, "could not read env config")
	}

	if err := logging.SetGlobalLogger(cfg.LogLevel, cfg.LogLevelFormat, cfg.LogFilePath); err != nil {
		return nil, errors.Wrap(err, "logging.SetGlobalLogger")
	}

	return zap.L(), nil
}

func parseGenesisValidatorsRoot(s string) (phase0.Root, error) {
	if s == "" {
		return phase0.Root{}, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return phase0.Root{}, err
	}
	if len(b) != len(phase0.Root{}) {
		return phase0.Root{}, errors.Errorf("invalid root length %d", len(b))
	}
	return phase0.Root(b), nil
}

func rehydrateRemoteKeys(logger *zap.Logger, keyStore store.Storage, signerRegistry *registry.SignerRegistry) error {
	records, err := keyStore.ListRemoteKeys()
	if err != nil {
		return errors.Wrap(err, "could not list remote keys")
	}
	for _, record := range records {
		signerRegistry.Add(registry.NewRemoteSigner(logger, record.PubKey, record.URL))
	}
	logger.Info("rehydrated remote keys", zap.Int("count", len(records)))
	return nil
}

func startMetricsHandler(ctx context.Context, logger *zap.Logger, db basedb.Database, addr string, enableProf bool) {
	logger = logger.Named(logging.NameMetricsHandler)
	// init and start HTTP handler
	metricsHandler := metrics.NewMetricsHandler(ctx, db, enableProf, nil)
	if err := metricsHandler.Start(logger, http.NewServeMux(), addr); err != nil {
		logger.Error("failed to serve metrics", zap.Error(err))
	}
}
