package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"vox_back/config"
	"vox_back/database"
	"vox_back/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var env = config.New()

var rootCmd = &cobra.Command{
	Use:           "vox",
	Short:         "VOX backend API server",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run migrations and start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		db, err := database.OpenFromConfig(cfg)
		if err != nil {
			return err
		}
		if err := migrate(db); err != nil {
			return err
		}
		logging.For("main").Info("schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("port", "", "HTTP listen port (overrides PORT)")
	_ = env.BindPFlag("PORT", rootCmd.PersistentFlags().Lookup("port"))
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func loadConfig(strict bool) (*config.Config, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(env)
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.Production())
	if strict {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	} else if cfg.DatabaseDSN == "" {
		return nil, fmt.Errorf("config: DATABASE_DSN is required")
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.For("main").WithError(err).Error("vox exited")
		os.Exit(1)
	}
}
