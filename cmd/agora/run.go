package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"agora/internal/advisor"
	"agora/internal/config"
	"agora/internal/economy/adapters"
	"agora/internal/economy/distribution"
	"agora/internal/economy/domain"
	"agora/internal/economy/ports"
	"agora/internal/economy/round"
	"agora/internal/economy/settlement"
	"agora/internal/economy/trigger"
	"agora/internal/money"
	"agora/internal/shared/async"
	sharederrors "agora/internal/shared/errors"
	"agora/internal/shared/logging"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func newRunCommand(configPath *string) *cobra.Command {
	var scenarioPath string
	var roundsOverride int
	var seed int64
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a market simulation from a scenario file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			scenario, err := config.LoadScenario(scenarioPath)
			if err != nil {
				return err
			}
			if roundsOverride > 0 {
				scenario.Rounds = roundsOverride
			}
			if metricsAddr != "" {
				cfg.Metrics.Addr = metricsAddr
			}
			applyLogLevel(cfg.Logging.Level)
			return runSimulation(cmd.Context(), cfg, scenario, seed)
		},
	}
	cmd.Flags().StringVarP(&scenarioPath, "scenario", "s", "", "Scenario file (required)")
	cmd.Flags().IntVarP(&roundsOverride, "rounds", "n", 0, "Override the scenario's round count")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Random seed for task generation")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listen address, e.g. :9180")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

func applyLogLevel(level string) {
	switch level {
	case "debug":
		logging.SetLevel(logging.LevelDebug)
	case "warn":
		logging.SetLevel(logging.LevelWarn)
	case "error":
		logging.SetLevel(logging.LevelError)
	default:
		logging.SetLevel(logging.LevelInfo)
	}
}

func buildAdvisor(cfg config.AdvisorConfig, logger logging.Logger) ports.Advisor {
	if cfg.Mode != "api" {
		return advisor.NewRuleBased()
	}
	client := advisor.NewClient(advisor.Config{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}, logger)
	retryCfg := sharederrors.DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.MaxRetries
	wrapped := advisor.NewRetryAdvisor(client, retryCfg, logger)
	return advisor.NewCacheAdvisor(wrapped, advisor.CacheConfig{
		MaxSize: cfg.CacheSize,
		TTL:     cfg.CacheTTL,
	})
}

func runSimulation(parent context.Context, cfg config.Config, scenario config.Scenario, seed int64) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.NewComponentLogger("agora")
	stores := adapters.NewMemoryStores()
	rail := adapters.NewFakePaymentRail()
	journal := adapters.NewLogJournal(logging.NewComponentLogger("journal"))

	strategicAdvisor := buildAdvisor(cfg.Advisor, logging.NewComponentLogger("advisor"))

	settlementSvc := settlement.NewService(stores.Tasks, stores.Bids, stores.Agents, stores.Audit,
		logging.NewComponentLogger("settlement"))
	distributionSvc := distribution.NewService(stores.Agents, stores.Tasks, stores.Runtime, stores.Holdings,
		stores.Escrow, stores.Audit, rail,
		distribution.Config{PlatformPct: cfg.Platform.CutPct, PlatformWallet: cfg.Platform.Wallet},
		logging.NewComponentLogger("distribution"))
	triggerSvc := trigger.NewService(stores.Agents, stores.Policies, stores.Runtime, stores.Decisions,
		stores.Audit, journal, strategicAdvisor,
		trigger.Config{
			CooldownRounds: cfg.Trigger.CooldownRounds,
			AdvisorTimeout: cfg.Trigger.AdvisorTimeout,
			MarginStep:     cfg.Trigger.MarginStep,
		}, logging.NewComponentLogger("trigger"))

	orch := round.NewOrchestrator(stores.Agents, stores.Policies, stores.Tasks, stores.Bids, stores.Runtime,
		stores.Audit, settlementSvc, distributionSvc, triggerSvc,
		round.Config{Parallelism: cfg.Round.Parallelism, TriggerBudget: cfg.Round.TriggerBudget},
		nil, logging.NewComponentLogger("round"))

	if cfg.Metrics.Addr != "" {
		serveMetrics(cfg.Metrics.Addr, logger)
	}

	if err := seedScenario(ctx, stores, scenario); err != nil {
		return err
	}
	fmt.Printf("%s %s: %d agents, %d rounds\n",
		bold("agora"), scenario.Name, len(scenario.Agents), scenario.Rounds)

	rng := rand.New(rand.NewSource(seed))
	for r := 1; r <= scenario.Rounds; r++ {
		if err := ctx.Err(); err != nil {
			logger.Warn("simulation interrupted at round %d", r)
			break
		}
		if err := postTasks(ctx, stores.Tasks, scenario.Tasks, r, rng); err != nil {
			return err
		}
		summary, err := orch.Run(ctx, r)
		if err != nil {
			return fmt.Errorf("round %d: %w", r, err)
		}
		printRound(summary)
	}

	orch.Wait()
	printStandings(ctx, stores)
	return nil
}

// serveMetrics exposes /metrics in the background; the listener dies with
// the process.
func serveMetrics(addr string, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	async.Go(logger, "metrics-server", func() {
		logger.Info("metrics listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server: %v", err)
		}
	})
}

func seedScenario(ctx context.Context, stores *adapters.MemoryStores, scenario config.Scenario) error {
	now := time.Now()
	for _, seed := range scenario.Agents {
		agent := seed.Agent(now)
		if _, err := stores.Agents.Create(ctx, agent); err != nil {
			return fmt.Errorf("seeding agent %s: %w", seed.ID, err)
		}
		if _, err := stores.Policies.Append(ctx, seed.DomainPolicy(now)); err != nil {
			return fmt.Errorf("seeding policy for %s: %w", seed.ID, err)
		}
		if _, err := stores.Runtime.Save(ctx, domain.RuntimeState{
			AgentID:           seed.ID,
			CheckpointRep:     agent.Reputation,
			CheckpointWinRate: 0,
			UpdatedAt:         now,
		}); err != nil {
			return fmt.Errorf("seeding runtime for %s: %w", seed.ID, err)
		}
		if holdings := seed.Holdings(); len(holdings) > 0 {
			stores.Holdings.SetHoldings(seed.ID, holdings)
		}
	}
	return nil
}

func postTasks(ctx context.Context, tasks ports.TaskRepository, flow config.TaskFlow, roundNum int, rng *rand.Rand) error {
	if flow.PerRound <= 0 || len(flow.Types) == 0 {
		return nil
	}
	for i := 0; i < flow.PerRound; i++ {
		mix := flow.Types[rng.Intn(len(flow.Types))]
		ceiling := mix.CeilingMin + rng.Float64()*(mix.CeilingMax-mix.CeilingMin)
		if _, err := tasks.Create(ctx, domain.Task{
			ID:        uuid.NewString(),
			Title:     fmt.Sprintf("%s task r%d-%d", mix.Type, roundNum, i+1),
			Type:      domain.AgentType(mix.Type),
			MaxBid:    money.FromDollars(ceiling),
			Status:    domain.TaskOpen,
			Round:     roundNum,
			CreatedAt: time.Now(),
		}); err != nil {
			return fmt.Errorf("posting task for round %d: %w", roundNum, err)
		}
	}
	return nil
}

func printRound(summary round.Summary) {
	fmt.Printf("%s %s  tasks=%d bids=%d settled=%s expired=%s revenue=%s triggers=%d\n",
		cyan(fmt.Sprintf("round %3d", summary.Round)),
		gray(summary.Elapsed.Truncate(time.Millisecond).String()),
		summary.OpenTasks,
		summary.BidsPlaced,
		green(fmt.Sprintf("%d", summary.TasksSettled)),
		yellow(fmt.Sprintf("%d", summary.TasksExpired)),
		summary.TotalRevenue,
		summary.TriggersFired,
	)
	for _, win := range summary.Wins {
		line := fmt.Sprintf("  %s won %s: net %s (platform %s, investors %s)",
			win.AgentID, win.Revenue, win.NetProfit, win.PlatformCut, win.InvestorCredited)
		if win.NetProfit < 0 {
			fmt.Println(red(line))
		} else {
			fmt.Println(green(line))
		}
	}
}

func printStandings(ctx context.Context, stores *adapters.MemoryStores) {
	agents, err := stores.Agents.List(ctx)
	if err != nil {
		return
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	fmt.Printf("\n%s\n", bold("final standings"))
	for _, agent := range agents {
		state, err := stores.Runtime.Get(ctx, agent.ID)
		if err != nil {
			state = domain.RuntimeState{}
		}
		status := string(agent.Status)
		switch agent.Status {
		case domain.StatusActive:
			status = green(status)
		case domain.StatusLowFunds:
			status = yellow(status)
		case domain.StatusDead:
			status = red(status)
		default:
			status = gray(status)
		}
		fmt.Printf("  %-20s %s  balance=%s rep=%.2f wins=%d losses=%d advisor_calls=%d\n",
			agent.Name, status, agent.Balance, agent.Reputation,
			state.LifetimeWins, state.LifetimeLosses, state.AdvisorCalls)
	}
}
