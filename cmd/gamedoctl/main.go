// Command gamedoctl inspects and maintains GAMEDO local stores and the book catalog.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gamedo/pkg/storage"
	"gamedo/pkg/store"
)

// options holds the persistent flags shared by every subcommand.
type options struct {
	storeDriver   string
	namespace     string
	redisAddr     string
	redisPassword string
	databaseURL   string

	minioEndpoint  string
	minioAccessKey string
	minioSecretKey string
	minioBucket    string
	minioUseSSL    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "gamedoctl",
		Short:         "GAMEDO operator CLI",
		Long:          "Inspect and clear local stores, publish the book catalog and generate room passcodes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.storeDriver, "store", envOr("GAMEDO_STORE_DRIVER", "redis"), "local store driver: redis or postgres")
	flags.StringVar(&opts.namespace, "namespace", envOr("GAMEDO_STORE_NAMESPACE", store.DefaultNamespace), "local store namespace")
	flags.StringVar(&opts.redisAddr, "redis-addr", envOr("GAMEDO_REDIS_ADDR", "localhost:6379"), "redis address")
	flags.StringVar(&opts.redisPassword, "redis-password", os.Getenv("GAMEDO_REDIS_PASSWORD"), "redis password")
	flags.StringVar(&opts.databaseURL, "database-url", os.Getenv("GAMEDO_DATABASE_URL"), "postgres connection string")
	flags.StringVar(&opts.minioEndpoint, "minio-endpoint", os.Getenv("GAMEDO_MINIO_ENDPOINT"), "MinIO endpoint")
	flags.StringVar(&opts.minioAccessKey, "minio-access-key", os.Getenv("GAMEDO_MINIO_ACCESS_KEY"), "MinIO access key")
	flags.StringVar(&opts.minioSecretKey, "minio-secret-key", os.Getenv("GAMEDO_MINIO_SECRET_KEY"), "MinIO secret key")
	flags.StringVar(&opts.minioBucket, "minio-bucket", envOr("GAMEDO_MINIO_BUCKET", "gamedo"), "MinIO bucket")
	flags.BoolVar(&opts.minioUseSSL, "minio-ssl", false, "use TLS for MinIO")

	root.AddCommand(newStoreCmd(opts))
	root.AddCommand(newCatalogCmd(opts))
	root.AddCommand(newPasscodeCmd())
	return root
}

// openStore opens the configured durable store. The memory driver is refused
// since it would only ever show an empty process-local store.
func (o *options) openStore() (store.Store, error) {
	if o.storeDriver == "" || o.storeDriver == "memory" {
		return nil, fmt.Errorf("store driver %q has no data outside the learner process", o.storeDriver)
	}
	return store.Open(store.Config{
		Driver:        o.storeDriver,
		Namespace:     o.namespace,
		RedisAddr:     o.redisAddr,
		RedisPassword: o.redisPassword,
		DatabaseURL:   o.databaseURL,
	})
}

func (o *options) openObjects() (storage.ObjectStore, error) {
	if o.minioEndpoint == "" {
		return nil, fmt.Errorf("--minio-endpoint is required")
	}
	return storage.NewMinioStore(o.minioEndpoint, o.minioAccessKey, o.minioSecretKey, o.minioBucket, o.minioUseSSL)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
