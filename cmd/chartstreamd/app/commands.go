// Package app wires configuration, the Spotify client, the broker
// publisher, and the cycle pipeline into the chartstreamd run modes.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"chartstream/internal/config"
	"chartstream/internal/domain"
	"chartstream/internal/egress"
	"chartstream/internal/egress/kafka"
	"chartstream/internal/egress/rabbitmq"
	"chartstream/internal/observe"
	"chartstream/internal/pipeline"
	"chartstream/internal/spotify"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "chartstreamd",
		Short:        "Publishes regional music chart statistics to a message broker",
		SilenceUsage: true,
	}
	root.AddCommand(newOnceCmd(), newSchedulerCmd(), newStatusCmd())
	return root
}

func newOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run exactly one cycle; exit status reflects the cycle outcome",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			res := rt.sched.RunOnce(cmd.Context())
			if res.State != domain.CycleCompleted {
				return fmt.Errorf("cycle %s %s: %d of %d regions failed",
					res.CycleID, res.State, len(res.Failed), len(res.Failed)+len(res.Succeeded))
			}
			return nil
		},
	}
}

func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run cycles on the configured interval until signalled to stop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			slog.Info("scheduler started", "interval", rt.cfg.Producer.FetchInterval)
			rt.sched.Run(ctx)
			slog.Info("scheduler stopped")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report the most recent cycle result from process memory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Cycle results are in-memory only, last cycle wins; a fresh
			// process has nothing to report and that is a valid answer.
			sched := pipeline.NewScheduler(nil, 0, nil)
			res, ok := sched.LastResult()
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no cycle run yet")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cycle %s %s: succeeded=%d failed=%d started=%s finished=%s\n",
				res.CycleID, res.State, len(res.Succeeded), len(res.Failed),
				res.StartedAtUTC.Format("2006-01-02T15:04:05Z"), res.FinishedAtUTC.Format("2006-01-02T15:04:05Z"))
			for _, f := range res.Failed {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", f.Region, f.Reason())
			}
			return nil
		},
	}
}

// publisher is an egress backend that also exposes delivery listeners.
type publisher interface {
	egress.Publisher
	AddPublishListener(fn func(*egress.PublishEvent)) func()
}

type runtime struct {
	cfg   config.Config
	pub   publisher
	sched *pipeline.Scheduler
}

func (rt *runtime) close() {
	if err := rt.pub.Close(context.Background()); err != nil {
		slog.Warn("publisher close", "error", err)
	}
}

// setup loads configuration and constructs the full pipeline. Failures
// here are the only process-fatal paths.
func setup(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log.Level)

	tokens, err := spotify.NewClientCredentials(cfg.Spotify.TokenURL, cfg.Spotify.ClientID, cfg.Spotify.ClientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("credential provider: %w", err)
	}
	client, err := spotify.NewClient(spotify.ClientConfig{
		BaseURL:      cfg.Spotify.BaseURL,
		FetchLimit:   cfg.Producer.FetchLimit,
		MaxRetries:   cfg.Producer.MaxRetries,
		RetryBackoff: cfg.Producer.RetryBackoff,
	}, tokens, nil)
	if err != nil {
		return nil, fmt.Errorf("spotify client: %w", err)
	}

	logObs := observe.NewLogObserver(slog.Default())
	metObs := observe.NewMetricsObserver(prometheus.DefaultRegisterer)
	notifier := &observe.Notifier{}
	notifier.Register(logObs)
	notifier.Register(metObs)

	pub, err := newPublisher(cfg)
	if err != nil {
		return nil, err
	}
	pub.AddPublishListener(logObs.PublishListener())
	pub.AddPublishListener(metObs.PublishListener())
	if err := pub.Start(ctx); err != nil {
		return nil, fmt.Errorf("start publisher: %w", err)
	}

	regions := make([]domain.Region, 0, len(cfg.Producer.Regions))
	for _, r := range cfg.Producer.Regions {
		regions = append(regions, domain.Region(strings.TrimSpace(r)))
	}
	orc, err := pipeline.NewOrchestrator(client, pub, regions, cfg.Producer.MaxWorkers, notifier)
	if err != nil {
		return nil, err
	}
	sched := pipeline.NewScheduler(orc, cfg.Producer.FetchInterval, notifier)

	return &runtime{cfg: cfg, pub: pub, sched: sched}, nil
}

func newPublisher(cfg config.Config) (publisher, error) {
	switch cfg.Broker.Kind {
	case config.BrokerKindRabbitMQ:
		return rabbitmq.NewPublisher(rabbitmq.Config{
			URL:          cfg.Broker.AMQPURL,
			Exchange:     cfg.Broker.Exchange,
			RoutingKey:   cfg.Broker.Topic,
			MaxRetries:   cfg.Producer.MaxRetries,
			RetryBackoff: cfg.Producer.RetryBackoff,
		}, slog.Default())
	default:
		return kafka.NewPublisher(kafka.Config{
			Brokers:      cfg.Broker.Brokers,
			Topic:        cfg.Broker.Topic,
			MaxRetries:   cfg.Producer.MaxRetries,
			RetryBackoff: cfg.Producer.RetryBackoff,
		}, slog.Default())
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
