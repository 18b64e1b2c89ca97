package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/boristopalov/countenv/pkg/config"
	"github.com/boristopalov/countenv/pkg/dataset"
	"github.com/boristopalov/countenv/pkg/environment"
	"github.com/boristopalov/countenv/pkg/experiment"
	"github.com/boristopalov/countenv/pkg/imaging"
	"github.com/boristopalov/countenv/pkg/memory"
	"github.com/boristopalov/countenv/pkg/messaging"
	"github.com/boristopalov/countenv/pkg/providers"
	"github.com/boristopalov/countenv/pkg/storage"
	"github.com/boristopalov/countenv/pkg/storage/sqlite"
	"github.com/boristopalov/countenv/pkg/telemetry"
	"github.com/boristopalov/countenv/pkg/tokenize"
)

const recorderID = "sqlite-recorder"

var (
	configPath string
	steps      int
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "countenv",
		Short:        "countenv rolls out an object-counting RL environment and scores the results.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (default countenv.yaml)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Collect and score trajectories for the configured number of steps",
		RunE:  runExperiment,
	}
	runCmd.Flags().IntVar(&steps, "steps", 0, "override experiment.steps")

	itemCmd := &cobra.Command{
		Use:   "item",
		Short: "Print the next dataset item without generating completions",
		RunE:  previewItem,
	}

	for _, envFile := range []string{
		".env",
		"../../.env",
	} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	rootCmd.AddCommand(runCmd, itemCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newEnvironment(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*environment.CountingEnvironment, error) {
	var source dataset.Source
	switch cfg.Dataset.Type {
	case config.DatasetJSONL:
		src, err := dataset.LoadJSONL(cfg.Dataset.Path)
		if err != nil {
			return nil, err
		}
		source = src
	default:
		source = dataset.NewHubSource(cfg.Dataset.ID, cfg.Dataset.Config, cfg.Dataset.Split,
			dataset.WithEndpoint(cfg.Dataset.Endpoint),
			dataset.WithHubLogger(logger),
		)
	}

	generator, err := providers.New(ctx, cfg.Provider.Type,
		providers.WithAPIKey(cfg.Provider.APIKey),
		providers.WithModel(cfg.Provider.Model),
		providers.WithBaseURL(cfg.Provider.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", cfg.Provider.Type, err)
	}

	images := imaging.NewImageFetcher(
		imaging.WithHTTPClient(&http.Client{Timeout: cfg.Image.Timeout}),
		imaging.WithMaxSize(cfg.Image.MaxBytes),
	)

	return environment.NewCountingEnvironment(source, generator, tokenize.NewChatTokenizer(cfg.Tokenizer.Encoding),
		environment.WithName(cfg.Env.Name),
		environment.WithGroupSize(cfg.Env.GroupSize),
		environment.WithMaxTokens(cfg.Env.MaxTokens),
		environment.WithTimeout(cfg.Env.Timeout),
		environment.WithMinTrainableTokens(cfg.Env.MinTrainableTokens),
		environment.WithSystemPrompt(cfg.Env.SystemPrompt),
		environment.WithImageEncoder(images),
		environment.WithLogger(logger),
	)
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if steps > 0 {
		cfg.Experiment.Steps = steps
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer("countenv", logger, os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer shutdown(context.Background())
	}

	env, err := newEnvironment(ctx, cfg, logger)
	if err != nil {
		return err
	}

	broker := messaging.NewBroker()
	defer broker.Reset()

	if cfg.Storage.SQLitePath != "" {
		store, err := sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer store.Close()

		recorder := storage.NewRecorder(store, cfg.Experiment.Workers, logger)
		if err := broker.Subscribe(recorderID, recorder.Channel()); err != nil {
			return err
		}
		recorder.Start(context.Background())
		defer func() {
			broker.Unsubscribe(recorderID)
			recorder.Close()
			logger.Info("batches persisted",
				slog.String("path", cfg.Storage.SQLitePath),
				slog.Int64("saved", recorder.Saved()),
				slog.Int64("failed", recorder.Failed()),
			)
		}()
	}

	exp, err := experiment.NewExperiment(env,
		experiment.WithSteps(cfg.Experiment.Steps),
		experiment.WithWorkers(cfg.Experiment.Workers),
		experiment.WithRetries(cfg.Experiment.Retries),
		experiment.WithBacklog(memory.NewBacklog(cfg.Experiment.BacklogCapacity)),
		experiment.WithBroker(broker),
		experiment.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	if err := exp.Run(ctx); err != nil {
		return fmt.Errorf("experiment failed: %w", err)
	}
	return env.Evaluate(ctx)
}

func previewItem(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	env, err := newEnvironment(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	result := env.NextItem(cmd.Context())
	if result.Fallback() {
		logger.Warn("served fallback item", slog.String("error", result.Err.Error()))
	}

	item := result.Item
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id:       %s\n", item.ID)
	fmt.Fprintf(out, "question: %s\n", item.Prompt.Text())
	fmt.Fprintf(out, "gold:     %s\n", item.Gold)
	if item.Image != nil {
		fmt.Fprintf(out, "image:    %d bytes (base64 PNG)\n", len(*item.Image))
	} else {
		fmt.Fprintln(out, "image:    none")
	}
	return nil
}
