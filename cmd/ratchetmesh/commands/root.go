package commands

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ratchetmesh/ratchetmesh/pkg/directory"
	"github.com/ratchetmesh/ratchetmesh/pkg/engine"
	"github.com/ratchetmesh/ratchetmesh/pkg/store"
)

var (
	redisAddr string
	mongoURI  string
	namespace string
	verbose   bool

	eng *engine.Engine
)

const connectTimeout = 10 * time.Second

// Execute builds the root command and runs it.
func Execute() error {
	root := &cobra.Command{
		Use:          "ratchetmesh",
		Short:        "Post-quantum messaging key management CLI",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			eng, err = buildEngine(cmd.Context())
			return err
		},
	}

	root.PersistentFlags().StringVar(&redisAddr, "redis", "", "redis address for shared state (e.g. 127.0.0.1:6379)")
	root.PersistentFlags().StringVar(&mongoURI, "mongo", "", "mongodb URI for the device directory")
	root.PersistentFlags().StringVar(&namespace, "namespace", "ratchetmesh", "key namespace in shared backends")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(keysCmd(), negotiateCmd(), migrateCmd(), sessionCmd(), versionCmd())
	return root.Execute()
}

func buildEngine(ctx context.Context) (*engine.Engine, error) {
	logger := zap.NewNop()
	if verbose {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
	}

	cfg := engine.Config{Logger: logger}

	if redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		cfg.Store = store.NewRedis(client, namespace)
	}

	if mongoURI != "" {
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
		if err != nil {
			return nil, err
		}
		cfg.Directory = directory.NewMongo(client.Database(namespace))
	}

	return engine.New(cfg), nil
}
