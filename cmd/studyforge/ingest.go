package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"studyforge/internal/services"
)

var (
	ingestBook        string
	ingestChapters    string
	ingestExtractOnly bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>",
	Short: "Segment a textbook file and generate study material per chapter",
	Long: `Reads a PDF or plain-text file, splits it into chapters, and for each
chapter generates a summary, key points, questions and flashcards, storing
everything under the given book identifier. Re-running for the same book
replaces each chapter's material in place.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestBook, "book", "", "book identifier to store chapters under (required)")
	ingestCmd.Flags().StringVar(&ingestChapters, "chapters", "", "comma-separated chapter numbers to process (default: all)")
	ingestCmd.Flags().BoolVar(&ingestExtractOnly, "extract-only", false, "segment and store raw chapter text without calling the model")
	_ = ingestCmd.MarkFlagRequired("book")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	selected, err := parseChapterNumbers(ingestChapters)
	if err != nil {
		return err
	}

	a, err := newApp(!ingestExtractOnly)
	if err != nil {
		return err
	}
	defer a.Close()

	rawText, err := a.pdf.ExtractText(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	opts := services.RunOptions{
		Selected:       selected,
		SkipGeneration: ingestExtractOnly,
		Progress: func(number int, title string, state services.ChapterState, processed, total int) {
			switch state {
			case services.StateGenerating:
				cmd.Printf("[%d/%d] Chapter %d %q: generating...\n", processed+1, total, number, title)
			case services.StateDone:
				cmd.Printf("[%d/%d] Chapter %d %q: done\n", processed+1, total, number, title)
			case services.StateFailed:
				cmd.Printf("[%d/%d] Chapter %d %q: FAILED\n", processed+1, total, number, title)
			}
		},
	}

	summary, err := a.ingestion.Run(cmd.Context(), ingestBook, rawText, opts)
	printSummary(cmd, summary)
	if err != nil {
		return fmt.Errorf("ingestion aborted: %w", err)
	}
	if len(summary.Failed) > 0 {
		return fmt.Errorf("%d chapter(s) failed", len(summary.Failed))
	}

	a.logger.Info("ingestion complete",
		zap.String("book", ingestBook),
		zap.Int("processed", summary.Processed))
	return nil
}

func printSummary(cmd *cobra.Command, summary services.RunSummary) {
	cmd.Printf("\nProcessed %d chapter(s).\n", summary.Processed)
	for _, failure := range summary.Failed {
		cmd.Printf("  failed: chapter %d %q at %s: %s\n",
			failure.Number, failure.Title, failure.Stage, failure.Reason)
	}
}

func parseChapterNumbers(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	numbers := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid chapter number %q", part)
		}
		numbers = append(numbers, n)
	}
	return numbers, nil
}
