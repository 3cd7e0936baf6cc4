package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"magenta/internal/config"
	"magenta/internal/flow"
	"magenta/internal/letta"
	"magenta/internal/limbic"
	"magenta/internal/logging"
	"magenta/internal/mirror"
	"magenta/internal/pilot"
	"magenta/internal/platform"
	"magenta/internal/proposer"
	"magenta/internal/scheduler"
	"magenta/internal/store"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "magenta",
	Short: "magenta - autonomous persona orchestrator",
	Long: `magenta runs an autonomous social persona: a pressure-based limbic
scheduler decides when to wake, a decision pipeline turns observations
into at most one committed action per run, and a preflight gate keeps
every side effect reversible until the last moment.

State lives under the configured state directory; the persona's memory
lives on a Letta agent server.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// app holds the assembled subsystems for one invocation.
type app struct {
	cfg       *config.Config
	limbic    *limbic.Limbic
	runner    *flow.Runner
	outbox    *flow.Outbox
	states    *flow.StateStore
	notifs    *store.NotificationDB
	mirror    *mirror.Mirror
	scheduler *scheduler.Scheduler
	pilot     *pilot.Pilot
	telemetry *flow.Telemetry
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.StateDir, cfg.Logging.DebugMode || verbose,
		cfg.Logging.Categories, cfg.Logging.Level); err != nil {
		logger.Warn("debug logging unavailable", zap.Error(err))
	}
	return cfg, nil
}

// buildLimbic assembles only the limbic engine and its local inputs.
// Status and quiet commands use this; no credentials required.
func buildLimbic(cfg *config.Config) (*limbic.Limbic, *store.NotificationDB, error) {
	telemetry, err := flow.NewTelemetry(cfg.StatePath("telemetry.jsonl"))
	if err != nil {
		return nil, nil, err
	}
	notifs, err := store.OpenNotificationDB(cfg.StatePath("notifications.db"))
	if err != nil {
		return nil, nil, err
	}
	states := flow.NewStateStore(cfg.StatePath("agent_state.json"))
	provider := scheduler.NewStateProvider(telemetry, notifs, states, nil)
	limbicStore := limbic.NewStateStore(cfg.StatePath("interoception.json"))
	return limbic.New(limbicStore, cfg.SignalConfigs(), provider, logger), notifs, nil
}

// buildApp assembles the full pipeline. Requires valid credentials.
func buildApp(cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	telemetry, err := flow.NewTelemetry(cfg.StatePath("telemetry.jsonl"))
	if err != nil {
		return nil, err
	}
	notifs, err := store.OpenNotificationDB(cfg.StatePath("notifications.db"))
	if err != nil {
		return nil, err
	}
	states := flow.NewStateStore(cfg.StatePath("agent_state.json"))

	outbox, err := flow.NewOutbox(cfg.StatePath("outbox"))
	if err != nil {
		return nil, err
	}

	lettaClient := letta.New(cfg.Letta.BaseURL, cfg.Letta.APIKey, cfg.Letta.AgentID,
		cfg.GetLettaTimeout(), logger)
	outbox.AttachPassageLog(mirror.NewDraftLog(lettaClient, logger))

	bsky := platform.NewClient(cfg.Bluesky.PDSHost, cfg.Bluesky.Handle,
		cfg.Bluesky.AppPassword, logger)

	prop, err := proposer.New(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Persona,
		cfg.LLM.Temperature, cfg.GetLLMTimeout(), logger)
	if err != nil {
		return nil, err
	}

	syncPath := cfg.StatePath("sync_state.json")
	runner := flow.NewRunner(flow.RunnerDeps{
		Observer:  platform.NewObserver(bsky, notifs, states, cfg.Bluesky.BotSuffixes, logger),
		Proposer:  prop,
		Committer: flow.NewCommitter(bsky),
		Validator: flow.NewValidator(cfg.Policy.Preflight, syncPath),
		Outbox:    outbox,
		States:    states,
		Telemetry: telemetry,
		Policy:    cfg.Policy.Decision,
		Memory:    cfg.Policy.Memory,
		Memories:  lettaClient,
		Logger:    logger,
	})

	usage := func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.GetLettaTimeout())
		defer cancel()
		pct, err := lettaClient.ContextUsage(ctx)
		if err != nil {
			logger.Warn("context usage check failed", zap.Error(err))
			return 0
		}
		return pct
	}

	provider := scheduler.NewStateProvider(telemetry, notifs, states, usage)
	limbicStore := limbic.NewStateStore(cfg.StatePath("interoception.json"))
	limb := limbic.New(limbicStore, cfg.SignalConfigs(), provider, logger)

	stateMirror := mirror.New(lettaClient, syncPath, logger)

	sched := scheduler.New(scheduler.Deps{
		Limbic:       limb,
		Runner:       runner,
		Mirror:       stateMirror,
		Outbox:       outbox,
		States:       states,
		Notifs:       notifs,
		Usage:        usage,
		Logger:       logger,
		TickInterval: cfg.GetTickInterval(),
		SyncEvery:    cfg.Limbic.SyncEvery,
	})

	pilotBridge := pilot.New(pilot.Deps{
		StateDir:  cfg.StateDir,
		Outbox:    outbox,
		States:    states,
		Validator: flow.NewValidator(cfg.Policy.Preflight, syncPath),
		Committer: flow.NewCommitter(bsky),
		Limbic:    limb,
		Logger:    logger,
	})

	return &app{
		cfg:       cfg,
		limbic:    limb,
		runner:    runner,
		outbox:    outbox,
		states:    states,
		notifs:    notifs,
		mirror:    stateMirror,
		scheduler: sched,
		pilot:     pilotBridge,
		telemetry: telemetry,
	}, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runCmd executes a single pipeline run
var runCmd = &cobra.Command{
	Use:   "run [signal]",
	Short: "Execute one pipeline run for a signal (default SOCIAL)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer a.notifs.Close()

		kind := limbic.SignalSocial
		if len(args) == 1 {
			kind = limbic.Kind(strings.ToUpper(args[0]))
		}
		emission := a.limbic.Force(kind)
		if emission == nil {
			return fmt.Errorf("unknown signal: %s", args[0])
		}

		ctx, cancel := signalContext()
		defer cancel()
		report, runErr := a.runner.RunOnce(ctx, flow.Trigger{
			Signal:   string(emission.Signal),
			Prompt:   emission.Prompt,
			Pressure: emission.Pressure,
		})
		if report != nil {
			if err := printJSON(report); err != nil {
				return err
			}
		}
		return runErr
	},
}

// queueCmd drains the queued drafts
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Run one queue cycle over the parked drafts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer a.notifs.Close()

		ctx, cancel := signalContext()
		defer cancel()
		report, runErr := a.runner.RunQueueOnce(ctx)
		if report != nil {
			if err := printJSON(report); err != nil {
				return err
			}
		}
		return runErr
	},
}

// loopCmd runs the autonomous heartbeat
var loopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Run the autonomous heartbeat until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer a.notifs.Close()

		ctx, cancel := signalContext()
		defer cancel()
		if err := a.scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

// statusCmd prints the limbic status report
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print per-signal pressure and emission status as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		limb, notifs, err := buildLimbic(cfg)
		if err != nil {
			return err
		}
		defer notifs.Close()
		return printJSON(limb.Report())
	},
}

// quietCmd sets or clears quiet mode
var quietCmd = &cobra.Command{
	Use:   "quiet [hours|clear]",
	Short: "Suppress all emissions for N hours, or clear quiet mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		limb, notifs, err := buildLimbic(cfg)
		if err != nil {
			return err
		}
		defer notifs.Close()

		if args[0] == "clear" {
			limb.ClearQuiet()
			fmt.Println("quiet mode cleared")
			return nil
		}
		hours, err := strconv.ParseFloat(args[0], 64)
		if err != nil || hours <= 0 {
			return fmt.Errorf("invalid quiet duration: %s", args[0])
		}
		limb.SetQuiet(time.Duration(hours * float64(time.Hour)))
		fmt.Printf("quiet until %s\n", limb.State().QuietUntil.Format(time.RFC3339))
		return nil
	},
}

// forceCmd emits a signal immediately without dispatching it
var forceCmd = &cobra.Command{
	Use:   "force [signal]",
	Short: "Force a signal emission, bypassing pressure accumulation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		limb, notifs, err := buildLimbic(cfg)
		if err != nil {
			return err
		}
		defer notifs.Close()

		emission := limb.Force(limbic.Kind(strings.ToUpper(args[0])))
		if emission == nil {
			return fmt.Errorf("unknown signal: %s", args[0])
		}
		return printJSON(emission)
	},
}

// pilotCmd runs the operator command bridge
var pilotCmd = &cobra.Command{
	Use:   "pilot",
	Short: "Tail the pilot command queue until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer a.notifs.Close()

		ctx, cancel := signalContext()
		defer cancel()
		if err := a.pilot.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(loopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(quietCmd)
	rootCmd.AddCommand(forceCmd)
	rootCmd.AddCommand(pilotCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
