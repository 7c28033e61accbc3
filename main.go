package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"

	"orbit-agent/agent"
	"orbit-agent/approval"
	"orbit-agent/collector"
	"orbit-agent/config"
	"orbit-agent/publisher"
	"orbit-agent/scheduler"
	"orbit-agent/storage"
	"orbit-agent/tone"
	"orbit-agent/writer"
	"orbit-agent/xscrape"
	"orbit-agent/xsearch"
)

var (
	flagConfig string
	flagDryRun bool
)

var rootCmd = &cobra.Command{
	Use:           "orbit-agent",
	Short:         "Finds posts worth engaging on X, drafts replies, and routes them through Telegram approval",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file (default $ORBIT_CONFIG or ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "draft and approve but never post")
}

func main() {
	// Set up structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// App holds all application dependencies.
type App struct {
	cfg    *config.Config
	store  storage.Store
	tgBot  *tgbotapi.BotAPI
	search *xsearch.Client
	runner *agent.Runner
	router *approval.Router
}

func newApp(cmd *cobra.Command) (*App, error) {
	configPath := flagConfig
	if configPath == "" {
		configPath = config.GetConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("dry-run") {
		cfg.DryRun = flagDryRun
	}

	// Replace the startup logger with one at the configured level.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.Info("config loaded", "path", configPath, "dry_run", cfg.DryRun)

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	tgBot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}
	slog.Info("telegram bot initialized", "username", tgBot.Self.UserName)

	scraper := xscrape.NewScraper(cfg.Mirror.BaseURL)

	var search *xsearch.Client
	var strategies []collector.Strategy
	if cfg.X.CanSearch() {
		search = xsearch.NewClient(cfg.X.ConsumerKey, cfg.X.ConsumerSecret, cfg.X.AccessToken, cfg.X.AccessSecret)
		strategies = append(strategies,
			collector.NewEngagedStrategy(search, xsearch.EngagedQuery{
				WindowHours:  cfg.Filter.WindowHours,
				MinReplies:   cfg.Filter.MinReplies,
				MinLikes:     cfg.Filter.MinLikes,
				MinFollowers: cfg.Filter.MinFollowers,
			}),
			collector.NewTopicStrategy(search, cfg.TopicLimit),
		)
	} else {
		slog.Warn("x search credentials missing, api discovery disabled")
	}
	if cfg.Mirror.BaseURL != "" {
		strategies = append(strategies, collector.NewMirrorStrategy(scraper))
	}

	coll := collector.NewCollector(collector.Policy{
		Allowlist:    cfg.Filter.AllowHandles,
		MinFollowers: cfg.Filter.MinFollowers,
		WindowHours:  cfg.Filter.WindowHours,
	}, strategies...)

	gate := approval.NewGate(tgBot, cfg.Telegram.ChatID, store,
		approval.WithWindow(cfg.Approval.Timeout()),
		approval.WithPollInterval(cfg.Approval.PollInterval()),
	)

	pub := publisher.NewPublisher(publisher.Credentials{
		ClientID:     cfg.X.ClientID,
		ClientSecret: cfg.X.ClientSecret,
		RedirectURL:  cfg.X.RedirectURL,
		RefreshToken: cfg.X.RefreshToken,
	})
	if !cfg.X.CanPublish() && !cfg.DryRun {
		slog.Warn("x publish credentials missing, approved replies will fail to post")
	}

	opts := []agent.Option{
		agent.WithTopics(cfg.Topics),
		agent.WithMaxPerRun(cfg.MaxPerRun),
		agent.WithDryRun(cfg.DryRun),
		agent.WithContextExtractor(scraper),
	}
	if search != nil {
		opts = append(opts, agent.WithPostFetcher(search))
	}
	runner := agent.NewRunner(coll, newWriter(cfg), gate, store, pub, opts...)
	router := approval.NewRouter(tgBot, cfg.Telegram.ChatID, store, runner.ReplyTo, runner.ComposeOriginal)

	return &App{
		cfg:    cfg,
		store:  store,
		tgBot:  tgBot,
		search: search,
		runner: runner,
		router: router,
	}, nil
}

func newWriter(cfg *config.Config) *writer.Writer {
	opts := []writer.Option{
		writer.WithModel(cfg.OpenAI.Model),
		writer.WithMaxReplyLen(cfg.ReplyMaxLen),
		writer.WithPersona(writer.Persona{Name: cfg.Persona.Name, Handle: cfg.Persona.Handle}),
	}
	if t, ok := tone.Parse(cfg.Tone); ok {
		opts = append(opts, writer.WithTone(t))
	}
	return writer.NewWriter(cfg.OpenAI.APIKey, opts...)
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.State.DBPath != "" {
		db, err := storage.NewDB(cfg.State.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open state database: %w", err)
		}
		slog.Info("state database opened", "path", cfg.State.DBPath)
		return db, nil
	}

	fs, err := storage.NewFileStore(cfg.State.Dir)
	if err != nil {
		return nil, fmt.Errorf("open state directory: %w", err)
	}
	slog.Info("state directory opened", "dir", cfg.State.Dir)
	return fs, nil
}

// Close releases the state store.
func (a *App) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("failed to close state store", "error", err)
	}
}

// runDaemon schedules the two phases and serializes them with operator
// message polling. Everything runs on this goroutine, so a discovery pass,
// a publish sweep and the approval gate never compete for getUpdates.
func (a *App) runDaemon(ctx context.Context) error {
	sched, err := scheduler.NewScheduler(a.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("initialize scheduler: %w", err)
	}

	discoverCh := make(chan struct{}, 1)
	publishCh := make(chan struct{}, 1)

	if err := sched.ScheduleDaily("discover", a.cfg.Schedule.DiscoverTime, func() { enqueue(discoverCh) }); err != nil {
		return fmt.Errorf("schedule discovery: %w", err)
	}
	publishEvery := time.Duration(a.cfg.Schedule.PublishEveryMinutes) * time.Minute
	if err := sched.ScheduleEvery("publish", publishEvery, func() { enqueue(publishCh) }); err != nil {
		return fmt.Errorf("schedule publishing: %w", err)
	}

	sched.Start()
	defer sched.Stop()
	for name, next := range sched.NextRuns() {
		slog.Info("job scheduled", "job", name, "next", next)
	}

	// Drain anything approved before the last shutdown.
	enqueue(publishCh)

	poll := time.NewTicker(a.cfg.Approval.PollInterval())
	defer poll.Stop()

	slog.Info("daemon running", "timezone", a.cfg.Timezone)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-discoverCh:
			if err := a.runner.Discover(ctx); err != nil && ctx.Err() == nil {
				slog.Error("discovery failed", "error", err)
			}
		case <-publishCh:
			if err := a.runner.Publish(ctx); err != nil && ctx.Err() == nil {
				slog.Error("publishing failed", "error", err)
			}
		case <-poll.C:
			if err := a.router.PollOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("operator poll failed", "error", err)
			}
		}
	}
}

// enqueue records a trigger without blocking; a pending trigger absorbs
// further ones.
func enqueue(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// validate reports what the configured credentials allow. Only read-only
// calls are made: the OAuth 2.0 refresh token is never exchanged here
// because X rotates it on every use.
func (a *App) validate(ctx context.Context) error {
	ok := true

	printStatus("telegram", "ok, bot @%s", a.tgBot.Self.UserName)

	if a.search == nil {
		printStatus("x search", "not configured (oauth1 credentials missing)")
	} else if username, err := a.search.Me(ctx); err != nil {
		ok = false
		printStatus("x search", "FAILED: %v", err)
	} else {
		printStatus("x search", "ok, authenticated as @%s", username)
	}

	if a.cfg.X.CanPublish() {
		printStatus("x publish", "oauth2 credentials present (not exchanged)")
	} else {
		printStatus("x publish", "not configured (oauth2 credentials missing)")
	}

	if a.cfg.Mirror.BaseURL != "" {
		printStatus("mirror", "%s", a.cfg.Mirror.BaseURL)
	} else {
		printStatus("mirror", "not configured")
	}

	printStatus("openai", "key present, model %s", a.cfg.OpenAI.Model)
	if a.cfg.State.DBPath != "" {
		printStatus("state", "sqlite at %s", a.cfg.State.DBPath)
	} else {
		printStatus("state", "json files under %s", a.cfg.State.Dir)
	}

	if !ok {
		return fmt.Errorf("credential check failed")
	}
	return nil
}

func printStatus(name, format string, args ...any) {
	fmt.Printf("  %-10s %s\n", name, fmt.Sprintf(format, args...))
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	return ctx, cancel
}
