package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"studyforge/internal/config"
	"studyforge/internal/db"
	"studyforge/internal/services"
)

var rootCmd = &cobra.Command{
	Use:           "studyforge",
	Short:         "Turn textbook chapters into structured study material",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app bundles the wired services behind every command.
type app struct {
	cfg       config.Config
	conn      *sql.DB
	logger    *zap.Logger
	chapters  *services.ChapterService
	ingestion *services.IngestionService
	guide     *services.StudyGuideService
	pdf       *services.PDFService
}

func newApp(requireCredentials bool) (*app, error) {
	cfg := config.Load()
	if requireCredentials {
		if err := cfg.RequireCredentials(); err != nil {
			return nil, err
		}
	}

	logger, err := buildLogger()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	conn, err := db.Open(cfg.Database)
	if err != nil {
		logger.Sync()
		return nil, fmt.Errorf("open database: %w", err)
	}

	chapterService := services.NewChapterService(conn, logger)
	caller := services.NewCaller(cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAIEndpoint, services.CallerOptions{
		CallTimeout:      cfg.CallTimeout,
		MaxRetries:       cfg.MaxRetries,
		MaxStreamRetries: cfg.MaxStreamRetries,
	}, logger)
	parser := services.NewParser(logger)
	segmenter := services.NewSegmenter(logger)
	ingestionService := services.NewIngestionService(segmenter, caller, parser, chapterService, cfg.InterCallDelay, logger)
	guideService := services.NewStudyGuideService(caller, chapterService, logger)

	return &app{
		cfg:       cfg,
		conn:      conn,
		logger:    logger,
		chapters:  chapterService,
		ingestion: ingestionService,
		guide:     guideService,
		pdf:       services.NewPDFService(),
	}, nil
}

func (a *app) Close() {
	a.conn.Close()
	a.logger.Sync()
}

func buildLogger() (*zap.Logger, error) {
	if os.Getenv("STUDYFORGE_DEBUG") == "true" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
