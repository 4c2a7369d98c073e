package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aegisops/aegis-controller/internal/config"
	"github.com/aegisops/aegis-controller/internal/seencache"
	"github.com/aegisops/aegis-controller/pkg/adapters"
	"github.com/aegisops/aegis-controller/pkg/ai/llm"
	"github.com/aegisops/aegis-controller/pkg/backup"
	"github.com/aegisops/aegis-controller/pkg/command"
	"github.com/aegisops/aegis-controller/pkg/fixers"
	"github.com/aegisops/aegis-controller/pkg/health"
	"github.com/aegisops/aegis-controller/pkg/impact"
	"github.com/aegisops/aegis-controller/pkg/ingest"
	"github.com/aegisops/aegis-controller/pkg/knowledge"
	"github.com/aegisops/aegis-controller/pkg/notify"
	"github.com/aegisops/aegis-controller/pkg/orchestration"
	"github.com/aegisops/aegis-controller/pkg/service"
	"github.com/aegisops/aegis-controller/pkg/tracing"
	"github.com/aegisops/aegis-controller/pkg/watcher"
)

var runCmd = &cobra.Command{
	Use:   "start",
	Short: "Load the config and run the controller until interrupted",
	RunE:  runController,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate a config file without starting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if _, err := config.Load(path); err != nil {
			return err
		}
		fmt.Println("config OK")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a one-shot health probe of every project plus the knowledge base's learning summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		configs := buildHealthConfigs(cfg)
		if len(configs) == 0 {
			fmt.Println("no projects with a monitor URL configured")
		} else {
			// status is read-only: never trigger a project's remediation command.
			for i := range configs {
				configs[i].RemediationCommand = ""
			}

			exec := command.New(command.DefaultConfig(), log)
			monitor := health.New(configs, exec, nil, log)

			for _, snap := range monitor.Probe(ctx) {
				state := "DOWN"
				if snap.IsOnline {
					state = "UP"
				}
				fmt.Printf("%-30s %-6s uptime=%.1f%%\n", snap.Name, state, snap.UptimePercentage)
			}
		}

		kb, err := knowledge.Open(cfg.KnowledgeBase.Path, log)
		if err != nil {
			return fmt.Errorf("open knowledge base: %w", err)
		}
		defer kb.Close()

		if kb.Degraded() {
			fmt.Println("knowledge base: degraded (in-memory), learning summary unavailable")
			return nil
		}

		summary, err := kb.Summary(ctx, cfg.KnowledgeBase.RetentionDays)
		if err != nil {
			return fmt.Errorf("knowledge base summary: %w", err)
		}
		fmt.Printf("\nknowledge base (last %d days): %d fixes, %d vulnerabilities, success rate %.1f%%\n",
			summary.PeriodDays, summary.TotalFixes, summary.TotalVulnerabilities, summary.SuccessStats.SuccessRate*100)
		for _, s := range summary.TopStrategies {
			fmt.Printf("  %-30s success=%d failure=%d\n", s.Name, s.SuccessCount, s.FailureCount)
		}
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay <batch_id>",
	Short: "Re-run an archived remediation batch's plan in dry-run mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		batchID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid batch id %q: %w", args[0], err)
		}

		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		execCfg := command.DefaultConfig()
		execCfg.DryRun = true
		exec := command.New(execCfg, log)

		orchestrator, kb, _, err := buildOrchestrator(cfg, exec)
		if err != nil {
			return err
		}
		defer kb.Close()
		defer orchestrator.Stop()

		if err := orchestrator.Replay(cmd.Context(), batchID); err != nil {
			return fmt.Errorf("replay batch %d: %w", batchID, err)
		}
		fmt.Printf("batch %d replayed in dry-run mode\n", batchID)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, validateCmd, statusCmd, replayCmd} {
		c.Flags().String("config", "/etc/aegis/config.yaml", "path to the YAML config file")
	}
}

func runController(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	overrideLevel, _ := cmd.Flags().GetString("log-level")
	forceJSON, _ := cmd.Flags().GetBool("log-json")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogConfig(cfg.Logging.Level, cfg.Logging.Format, overrideLevel, forceJSON)

	log.Info("aegis controller starting")

	shutdownTracing, err := tracing.Init(os.Stdout)
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing, spans will be dropped")
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.WithError(err).Warn("failed to flush tracing on shutdown")
			}
		}()
	}

	exec := command.New(command.DefaultConfig(), log)

	orchestrator, kb, notifier, err := buildOrchestrator(cfg, exec)
	if err != nil {
		return err
	}
	defer kb.Close()
	if kb.Degraded() {
		log.Warn("knowledge base running in degraded (in-memory) mode")
	}
	defer orchestrator.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.AutoRemediation.Enabled {
		startWatcher(ctx, cfg, exec, orchestrator)
	} else {
		log.Info("auto_remediation.enabled is false, Event Watcher not started")
	}

	startMetricsServer(ctx, cfg)
	startHealthMonitor(ctx, cfg, exec, notifier)
	startIngestor(ctx, cfg, exec, notifier)

	log.Info("aegis controller running, press Ctrl+C to stop")
	<-ctx.Done()
	log.Info("shutdown signal received, stopping")
	return nil
}

// buildOrchestrator wires the backup/service/impact/knowledge/LLM/notify/
// fixer stack into an orchestration.Orchestrator, shared by the `start`
// daemon and the `replay` subcommand. exec is supplied by the caller so
// replay can pass a DryRun-mode command.Executor while the daemon uses a
// live one; both callers get the same pipeline shape otherwise.
func buildOrchestrator(cfg *config.Config, exec *command.Executor) (*orchestration.Orchestrator, *knowledge.Store, notify.Notifier, error) {
	backupCfg := backup.DefaultConfig()
	backupCfg.BackupRoot = cfg.Backup.Root
	backupCfg.RetentionDays = cfg.Backup.RetentionDays
	backupCfg.Compression = cfg.Backup.Compression
	backupCfg.MaxBackupSizeMB = int64(cfg.Backup.MaxSizeMB)
	backupMgr, err := backup.New(backupCfg, exec, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init backup manager: %w", err)
	}

	serviceMgr := service.New(service.DefaultServices(), exec, log)

	projects := buildProjects(cfg)
	impactAnalyzer := impact.New(projects, exec, log)

	kb, err := knowledge.Open(cfg.KnowledgeBase.Path, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open knowledge base: %w", err)
	}

	providers, err := buildProviderChain(cfg.LLM)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build LLM provider chain: %w", err)
	}
	planner, err := llm.NewClient(providers, cfg.LLM.MinRequestSpacing, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init LLM client: %w", err)
	}

	notifier := buildNotifier(cfg)

	vulnFixer := fixers.NewVulnerabilityFixer(exec, backupMgr, log)
	netFixer := fixers.NewNetworkIPSFixer(exec, backupMgr, log)
	hostFixer := fixers.NewHostIPSFixer(exec, backupMgr, log)
	fileFixer := fixers.NewFileIntegrityFixer(exec, backupMgr, log)
	fixerRegistry := orchestration.NewFixerRegistry(vulnFixer, netFixer, hostFixer, fileFixer)

	orchCfg := orchestration.DefaultConfig()
	orchCfg.CollectionWindow = cfg.AutoRemediation.CollectionWindow
	orchCfg.MaxBatchSize = cfg.AutoRemediation.MaxBatchSize
	orchCfg.MaxAttempts = cfg.AutoRemediation.MaxAttempts
	orchCfg.ApprovalTimeout = cfg.AutoRemediation.ApprovalTimeout
	orchCfg.ApprovalMode = cfg.AutoRemediation.ApprovalMode
	orchCfg.CircuitBreakerThreshold = cfg.AutoRemediation.CircuitBreakerThreshold
	orchCfg.CircuitBreakerTimeout = cfg.AutoRemediation.CircuitBreakerTimeout

	orchestrator := orchestration.New(orchCfg, planner, notifier, impactAnalyzer, backupMgr, serviceMgr, kb, fixerRegistry, log)
	return orchestrator, kb, notifier, nil
}

// buildProviderChain constructs the primary LLM provider plus every
// configured fallback, in order, per spec.md §4.4's failover chain.
func buildProviderChain(cfg config.LLMConfig) ([]llm.Provider, error) {
	providers := make([]llm.Provider, 0, 1+len(cfg.Fallbacks))
	p, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}
	providers = append(providers, p)

	for _, fallback := range cfg.Fallbacks {
		p, err := buildProvider(fallback)
		if err != nil {
			return nil, fmt.Errorf("fallback provider %s: %w", fallback.Provider, err)
		}
		providers = append(providers, p)
	}
	return providers, nil
}

func buildProvider(cfg config.LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return llm.NewAnthropicProvider(cfg.APIKey, cfg.Model, cfg.MaxTokens, cfg.Temperature), nil
	case "bedrock":
		return llm.NewBedrockProvider(context.Background(), cfg.Region, cfg.Model, cfg.MaxTokens, cfg.Temperature)
	case "ollama":
		return llm.NewOllamaProvider(cfg.Endpoint, cfg.Model, cfg.Temperature)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// buildNotifier always wires the file sink, since it needs no external
// credentials and is where approvals are recorded even when nothing
// else is configured, and adds Slack on top of it (fanned out via
// MultiNotifier) when a bot token is available in the environment.
// Slack is placed first so MultiNotifier's single-sourced
// RequestApproval/UpdateLive target it over the file sink.
func buildNotifier(cfg *config.Config) notify.Notifier {
	dir := filepath.Join(filepath.Dir(cfg.KnowledgeBase.Path), "notifications")
	fileSink := notify.NewFileSink(dir, log)

	token := os.Getenv("AEGIS_SLACK_TOKEN")
	if token == "" {
		log.WithField("dir", dir).Info("notifications routed to the file sink")
		return fileSink
	}

	channels := map[notify.ChannelKind]string{
		notify.ChannelApprovals:    os.Getenv("AEGIS_SLACK_CHANNEL_APPROVALS"),
		notify.ChannelCritical:     os.Getenv("AEGIS_SLACK_CHANNEL_CRITICAL"),
		notify.ChannelOrchestrator: os.Getenv("AEGIS_SLACK_CHANNEL_ORCHESTRATOR"),
	}
	log.WithField("dir", dir).Info("notifications routed to Slack and the file sink")
	return notify.NewMultiNotifier(notify.NewSlackSink(token, channels, log), fileSink)
}

func buildProjects(cfg *config.Config) map[string]impact.Project {
	projects := make(map[string]impact.Project, len(cfg.Projects))
	for name, p := range cfg.Projects {
		projects[name] = impact.Project{
			Name:     name,
			Path:     p.Path,
			Priority: p.Priority,
		}
	}
	return projects
}

// startWatcher wires every configured Source Adapter and starts the
// Event Watcher, handing new events to the orchestrator.
func startWatcher(ctx context.Context, cfg *config.Config, exec *command.Executor, sub watcher.Submitter) {
	cache, err := seencache.New(seenCachePath(cfg), log)
	if cache == nil {
		log.WithError(err).Error("seen-event cache unusable, Event Watcher not started")
		return
	}
	if err != nil {
		log.WithError(err).Warn("seen-event cache started after recovering from an error")
	}
	w := watcher.New(cache, sub, log)

	vulnCfg := cfg.Sources["vulnerability_scan"]
	w.Register(adapters.NewVulnerabilityAdapter(exec, vulnCfg.Images, log), vulnCfg.PollInterval)

	netCfg := cfg.Sources["network_ips"]
	w.Register(adapters.NewNetworkIPSAdapter(exec, log), netCfg.PollInterval)

	hostCfg := cfg.Sources["host_ips"]
	w.Register(adapters.NewHostIPSAdapter(exec, hostCfg.Jails, log), hostCfg.PollInterval)

	fileCfg := cfg.Sources["file_integrity"]
	w.Register(adapters.NewFileIntegrityAdapter(exec, fileCfg.CriticalPaths, log), fileCfg.PollInterval)

	w.Start(ctx)
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
}

func seenCachePath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.KnowledgeBase.Path), "seen_events.json")
}

// startMetricsServer exposes the process-wide Prometheus registry,
// including pkg/health's aegis_project_up/aegis_project_response_seconds
// series, on cfg.Server.MetricsPort.
func startMetricsServer(ctx context.Context, cfg *config.Config) {
	if cfg.Server.MetricsPort == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", health.MetricsHandler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.MetricsPort), Handler: mux}

	go func() {
		log.WithField("port", cfg.Server.MetricsPort).Info("starting metrics listener")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics listener exited")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
}

func buildHealthConfigs(cfg *config.Config) []health.Config {
	configs := make([]health.Config, 0, len(cfg.Projects))
	for name, p := range cfg.Projects {
		if p.Monitor.URL == "" {
			continue
		}
		hc := health.DefaultConfig(name, p.Monitor.URL)
		if p.Monitor.ExpectedStatus != 0 {
			hc.ExpectedStatus = p.Monitor.ExpectedStatus
		}
		if p.Monitor.CheckInterval != 0 {
			hc.CheckInterval = p.Monitor.CheckInterval
		}
		if p.Monitor.Timeout != 0 {
			hc.Timeout = p.Monitor.Timeout
		}
		hc.RemediationCommand = p.Monitor.RemediationCommand
		if p.Monitor.RemediationThreshold != 0 {
			hc.RemediationThreshold = p.Monitor.RemediationThreshold
		}
		hc.LogFile = p.Monitor.LogFile
		hc.LogPattern = p.Monitor.LogPattern
		configs = append(configs, hc)
	}
	return configs
}

func startHealthMonitor(ctx context.Context, cfg *config.Config, exec *command.Executor, notifier notify.Notifier) {
	if len(cfg.Projects) == 0 {
		return
	}
	configs := buildHealthConfigs(cfg)
	if len(configs) == 0 {
		return
	}

	monitor := health.New(configs, exec, notifier, log)
	go monitor.Run(ctx)
}

func startIngestor(ctx context.Context, cfg *config.Config, exec *command.Executor, notifier notify.Notifier) {
	if cfg.GitHub.WebhookSecret == "" {
		log.Info("github.webhook_secret is unset, Push Ingestor not started")
		return
	}

	handler := ingestHandler{notifier: notifier}

	icfg := ingest.DefaultConfig()
	icfg.WebhookSecret = cfg.GitHub.WebhookSecret
	icfg.WebhookPort = cfg.GitHub.WebhookPort
	icfg.PollingInterval = cfg.GitHub.LocalPollingInterval
	icfg.DedupeTTL = time.Duration(cfg.GitHub.DedupeTTLSeconds) * time.Second
	icfg.RedisAddr = cfg.GitHub.RedisAddr
	icfg.GitHubToken = cfg.GitHub.Token
	for _, r := range cfg.GitHub.Repos {
		icfg.Repos = append(icfg.Repos, ingest.RepoConfig{
			Name: r.Name, Path: r.Path, Branch: r.Branch,
			Fetch: r.Fetch, DeployBranch: r.DeployBranch, GitHubSlug: r.GitHubSlug,
		})
	}

	persistPath := filepath.Join(filepath.Dir(cfg.KnowledgeBase.Path), "ingest_commits.json")
	srv := ingest.NewServer(icfg, handler, persistPath, log)

	go func() {
		log.WithField("port", icfg.WebhookPort).Info("starting push ingestor webhook listener")
		if err := http.ListenAndServe(fmt.Sprintf(":%d", icfg.WebhookPort), srv); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("push ingestor webhook listener exited")
		}
	}()

	if icfg.PollingEnabled && len(icfg.Repos) > 0 {
		poller := ingest.NewPoller(icfg, srv, exec, log)
		go poller.Run(ctx)
	}
}

// ingestHandler logs every deduplicated change event and notifies the
// deployment log channel; deploy automation is a Non-goal of this
// controller's ingestion path.
type ingestHandler struct {
	notifier notify.Notifier
}

func (h ingestHandler) Handle(event ingest.ChangeEvent) error {
	log.WithFields(logrus.Fields{
		"kind":   event.Kind,
		"repo":   event.Repo,
		"branch": event.Branch,
	}).Info("change event received")

	_, err := h.notifier.Send(context.Background(), notify.ChannelDeploymentLog, notify.Message{
		Title: fmt.Sprintf("%s: %s", event.Repo, event.Kind),
		Body:  fmt.Sprintf("%d commit(s) on %s by %s", len(event.Commits), event.Branch, event.Pusher),
	})
	return err
}
