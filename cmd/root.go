package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/blinktrace/internal/log"
	"github.com/andresmejia3/blinktrace/internal/store"
	"github.com/spf13/cobra"
)

// Annotation keys read by the root command to decide whether a subcommand needs the database.
const (
	dbAnnotation = "db"
	dbRequired   = "required"
	dbOptional   = "optional"
)

var (
	// DB is the global database connection shared by subcommands.
	// It stays nil when the command does not use the database.
	DB *store.Store
	// dbURL is the connection string
	dbURL    string
	logLevel string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "blinktrace",
	Short:         "Blink detection from facial landmarks in video",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.Init(logLevel)

		mode := cmd.Annotations[dbAnnotation]
		if mode == "" || (mode == dbOptional && skipSave(cmd)) {
			return nil
		}

		url := buildDBURL(dbURL, os.Getenv)
		// Use the command's context (which will be cancellable) for the connection
		db, err := store.New(cmd.Context(), url)
		if err != nil {
			if mode == dbRequired {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			log.Warn("database unavailable, results will not be saved", "err", err)
			return nil
		}
		DB = db
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// The main context might be cancelled already (Ctrl+C) and we still need to close cleanly.
			DB.Close(context.Background())
			DB = nil
		}
	},
}

// buildDBURL returns the explicit URL when given, otherwise a URL built from the
// POSTGRES_* environment, otherwise the local default.
func buildDBURL(explicit string, getenv func(string) string) string {
	if explicit != "" {
		return explicit
	}
	host := getenv("POSTGRES_HOST")
	if host == "" {
		return "postgres://localhost:5432/blinktrace"
	}
	port := getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB"))
}

func skipSave(cmd *cobra.Command) bool {
	f := cmd.Flags().Lookup("no-save")
	return f != nil && f.Value.String() == "true"
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/blinktrace)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
}
