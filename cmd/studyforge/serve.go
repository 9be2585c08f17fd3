package main

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"studyforge/internal/api"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.NewServer(a.chapters, a.ingestion, a.guide, a.pdf, a.logger)

	mux := http.NewServeMux()
	mux.Handle("/api", server.Handler())
	mux.Handle("/api/", server.Handler())

	a.logger.Info("listening", zap.String("addr", serveAddr))

	srv := &http.Server{
		Addr:        serveAddr,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		// Write timeout stays generous so study guide streams are not cut off.
		WriteTimeout: 10 * time.Minute,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
