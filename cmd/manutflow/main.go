package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/gustavoflandal/manutflow/internal/cli"
	internal_http "github.com/gustavoflandal/manutflow/internal/http"
	"github.com/gustavoflandal/manutflow/internal/log"
	internal_storage "github.com/gustavoflandal/manutflow/internal/storage"
	"github.com/gustavoflandal/manutflow/pkg/notify"
	"github.com/gustavoflandal/manutflow/pkg/service"
)

var rootCmd = &cobra.Command{Use: "manutflow"}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workflow engine HTTP server with background sweeps",
	Run: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil {
			log.GetLogger().Debugf("No .env file loaded: %v", err)
		}
		connStr, _ := cmd.Flags().GetString("db")
		if connStr == "" {
			connStr = os.Getenv("DATABASE_URL")
		}
		if connStr == "" {
			fmt.Println("Error: --db flag or DATABASE_URL env var required")
			os.Exit(1)
		}
		port, _ := cmd.Flags().GetString("port")

		store, err := internal_storage.InitStore(connStr)
		if err != nil {
			log.GetLogger().Errorf("Failed to initialize store: %v", err)
			os.Exit(1)
		}
		defer store.Close()

		logger := log.GetLogger()
		svc := service.NewWorkflowService(store, &notify.LogNotifier{Logger: logger}, logger)
		if err := svc.Start(context.Background()); err != nil {
			logger.Errorf("Failed to start workflow service: %v", err)
			os.Exit(1)
		}
		defer svc.Stop()

		if err := internal_http.StartServer(port, svc); err != nil {
			logger.Errorf("Server stopped: %v", err)
			os.Exit(1)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string")
	serveCmd.Flags().String("port", "8080", "HTTP listen port")
	rootCmd.AddCommand(serveCmd)
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
