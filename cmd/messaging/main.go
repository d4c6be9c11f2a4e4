package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "messaging",
	Short: "Church communication dispatch service",
	Long: `messaging delivers congregation broadcasts and reminders over SMS and voice,
answers inbound member texts and alerts pastoral staff about prayer requests.

Configuration is read from the environment (and a .env file when present).`,
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load()

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(jobsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
