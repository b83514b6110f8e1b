package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/kirillkom/tabular-rag/internal/bootstrap"
	"github.com/kirillkom/tabular-rag/internal/config"
	"github.com/kirillkom/tabular-rag/internal/core/domain"
	"github.com/kirillkom/tabular-rag/internal/observability/logging"
)

const serviceName = "ragctl"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  serviceName,
		Usage: "Ingest and query the tabular dataset without the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "ingest",
				Usage:  "Embed dataset rows into the vector store",
				Action: ingestCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "field",
						Usage: "Column to embed when --full-record=false",
						Value: domain.DefaultSingleField,
					},
					&cli.BoolFlag{
						Name:  "full-record",
						Usage: "Embed the whole row through the record template",
						Value: true,
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Rows per embedding batch (0 uses INGEST_BATCH_SIZE)",
					},
					&cli.IntFlag{
						Name:  "skip-rows",
						Usage: "Rows to skip before ingesting, used to resume a failed run",
						Value: -1,
					},
					&cli.BoolFlag{
						Name:  "clear",
						Usage: "Clear the collection before ingesting",
					},
					&cli.BoolFlag{
						Name:  "async",
						Usage: "Publish the run to NATS instead of ingesting in-process",
					},
				},
			},
			{
				Name:      "ask",
				Usage:     "Answer a question grounded on the dataset",
				ArgsUsage: "<question>",
				Action:    askCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "top-k",
						Usage: "Rows retrieved as context (0 uses RAG_TOP_K)",
					},
					&cli.IntFlag{
						Name:  "max-tokens",
						Usage: "Generation token limit (0 uses RAG_MAX_TOKENS)",
					},
					&cli.Float64Flag{
						Name:  "temperature",
						Usage: "Sampling temperature (unset uses RAG_TEMPERATURE)",
					},
					&cli.BoolFlag{
						Name:  "no-stream",
						Usage: "Print the answer once generation completes",
					},
				},
			},
			{
				Name:      "query",
				Usage:     "Print the rows nearest to a text",
				ArgsUsage: "<text>",
				Action:    queryCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "n",
						Aliases: []string{"n-results"},
						Usage:   "Number of results",
						Value:   domain.DefaultTopK,
					},
				},
			},
			{
				Name:   "stats",
				Usage:  "Print the collection size",
				Action: statsCommand,
			},
			{
				Name:   "clear",
				Usage:  "Remove every vector from the collection",
				Action: clearCommand,
			},
			{
				Name:      "run",
				Usage:     "Show an ingestion run from the ledger",
				ArgsUsage: "<run-id>",
				Action:    runCommand,
			},
		},
	}
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))
	switch levelStr {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}
	slog.SetDefault(logging.NewTextLogger(os.Stderr, levelStr))
	return nil
}

// withApp loads configuration, wires the application and runs fn until it
// returns or the process is interrupted.
func withApp(c *cli.Context, fn func(ctx context.Context, app *bootstrap.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Service: serviceName, Logger: slog.Default()})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	return fn(ctx, app)
}

func ingestCommand(c *cli.Context) error {
	req := domain.IngestRequest{
		Field:         c.String("field"),
		UseFullRecord: c.Bool("full-record"),
		BatchSize:     c.Int("batch-size"),
		ClearExisting: c.Bool("clear"),
	}
	if _, err := (domain.IngestRequest{BatchSize: req.BatchSize}).Normalize(); err != nil {
		return err
	}

	return withApp(c, func(ctx context.Context, app *bootstrap.App) error {
		if req.BatchSize == 0 {
			req.BatchSize = app.Config.IngestBatchSize
		}
		req.SkipRows = app.Config.IngestSkipRows
		if c.Int("skip-rows") >= 0 {
			req.SkipRows = c.Int("skip-rows")
		}

		if c.Bool("async") {
			if app.Queue == nil {
				return errors.New("--async requires NATS_URL")
			}
			req.RunID = uuid.NewString()
			if err := app.Queue.PublishIngestRequested(ctx, req); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "queued run %s\n", req.RunID)
			return nil
		}

		result, err := app.IngestUC.Ingest(ctx, req)
		if err != nil {
			var ingErr *domain.IngestionError
			if errors.As(err, &ingErr) {
				fmt.Fprintf(c.App.ErrWriter, "run %s failed at batch %d/%d; resume with --skip-rows %d\n",
					ingErr.RunID, ingErr.Batch, ingErr.TotalBatches, ingErr.ResumeSkipRows)
			}
			return err
		}
		fmt.Fprintf(c.App.Writer, "%s (run %s)\n", result.Message, result.RunID)
		return nil
	})
}

func askCommand(c *cli.Context) error {
	question := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if question == "" {
		return errors.New("question is required")
	}
	req := domain.ChatRequest{
		Message:   question,
		TopK:      c.Int("top-k"),
		MaxTokens: c.Int("max-tokens"),
	}
	if c.IsSet("temperature") {
		temperature := c.Float64("temperature")
		req.Temperature = &temperature
	}

	return withApp(c, func(ctx context.Context, app *bootstrap.App) error {
		if c.Bool("no-stream") {
			resp, err := app.ChatUC.Generate(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, resp.Response)
			return nil
		}

		stream, err := app.ChatUC.Stream(ctx, req)
		if err != nil {
			return err
		}
		for fragment, err := range stream.Fragments() {
			if err != nil {
				fmt.Fprintln(c.App.Writer)
				return err
			}
			if _, err := io.WriteString(c.App.Writer, fragment); err != nil {
				return err
			}
		}
		fmt.Fprintln(c.App.Writer)
		if summary, ok := stream.Summary(); ok {
			slog.Debug("chat_stream_completed",
				"fragments", summary.FragmentCount,
				"contexts_used", summary.ContextsUsed,
			)
		}
		return nil
	})
}

func queryCommand(c *cli.Context) error {
	text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if text == "" {
		return errors.New("query text is required")
	}
	return withApp(c, func(ctx context.Context, app *bootstrap.App) error {
		matches, err := app.CollectionUC.QuerySimilar(ctx, text, c.Int("n"))
		if err != nil {
			return err
		}
		printMatches(c.App.Writer, matches)
		return nil
	})
}

func printMatches(w io.Writer, matches []domain.Match) {
	if len(matches) == 0 {
		fmt.Fprintln(w, "no matches")
		return
	}
	for i, m := range matches {
		fmt.Fprintf(w, "%d. %s (distance %.4f)\n   %s\n", i+1, m.ID, m.Distance, m.Text)
	}
}

func statsCommand(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, app *bootstrap.App) error {
		stats, err := app.CollectionUC.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%s: %d vectors\n", stats.CollectionName, stats.Count)
		return nil
	})
}

func clearCommand(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, app *bootstrap.App) error {
		if err := app.CollectionUC.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, "collection cleared")
		return nil
	})
}

func runCommand(c *cli.Context) error {
	id := strings.TrimSpace(c.Args().First())
	if id == "" {
		return errors.New("run id is required")
	}
	return withApp(c, func(ctx context.Context, app *bootstrap.App) error {
		if app.Runs == nil {
			return errors.New("run ledger requires POSTGRES_DSN")
		}
		run, err := app.Runs.GetRun(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "run %s: %s, %d embedded, skipRows=%d\n", run.ID, run.Status, run.TotalEmbedded, run.SkipRows)
		if run.ResumeSkipRows != nil {
			fmt.Fprintf(c.App.Writer, "resume with --skip-rows %d\n", *run.ResumeSkipRows)
		}
		if run.Error != "" {
			fmt.Fprintf(c.App.Writer, "error: %s\n", run.Error)
		}
		return nil
	})
}
