package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kestrel-trading/kestrel/internal/chain"
	"github.com/kestrel-trading/kestrel/internal/config"
	"github.com/kestrel-trading/kestrel/internal/detect"
	"github.com/kestrel-trading/kestrel/internal/market"
	"github.com/kestrel-trading/kestrel/internal/orchestrator"
	"github.com/kestrel-trading/kestrel/internal/position"
	"github.com/kestrel-trading/kestrel/internal/rpcpool"
	"github.com/kestrel-trading/kestrel/internal/swap"
	"github.com/kestrel-trading/kestrel/internal/validator"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	stubMode := flag.Bool("stub", false, "Use stub chain and market clients (no network)")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().Msg("=============================================")
	log.Info().Msg("KESTREL Detection-to-Position Engine - Starting")
	log.Info().Msg("DETECT -> VALIDATE -> SIZE -> ENTER -> EXIT")
	log.Info().Msg("=============================================")

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Bool("dry_run", cfg.General.DryRun).
		Bool("stub_mode", *stubMode).
		Int("endpoints", len(cfg.Chain.Endpoints)).
		Float64("buy_amount_sol", cfg.Trading.BuyAmountSOL).
		Float64("take_profit_pct", cfg.Trading.TakeProfitPct).
		Float64("stop_loss_pct", cfg.Trading.StopLossPct).
		Int("max_daily_trades", cfg.Trading.MaxDailyTrades).
		Msg("Configuration loaded")

	// 4. Create chain client.
	var chainData chain.DataSource
	var liveClient *chain.LiveClient
	if *stubMode {
		chainData = chain.NewStubClient()
		log.Info().Msg("Chain RPC: STUB mode")
	} else {
		pool := rpcpool.New(cfg.Pool)
		liveClient = chain.NewLiveClient(cfg.Chain, pool)
		chainData = liveClient

		healthCtx, healthCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := chainData.Health(healthCtx); err != nil {
			log.Warn().Err(err).Msg("Chain RPC health check failed (continuing, may be rate-limited)")
		} else {
			log.Info().Strs("endpoints", cfg.Chain.Endpoints).Msg("Chain RPC: LIVE - connected")
		}
		healthCancel()
	}

	// 5. Create market source.
	var marketSource market.Source
	var httpMarket *market.HTTPSource
	if *stubMode {
		marketSource = market.NewStubSource()
		log.Info().Msg("Market data: STUB mode")
	} else {
		httpMarket = market.NewHTTPSource(cfg.Market, chainData)
		marketSource = httpMarket
	}

	// 6. Create core modules.
	tokenValidator := validator.New(cfg.Validator, marketSource)
	positions := position.NewManager(cfg.Trading)
	fanin := detect.NewFanIn(cfg.FanIn)

	var executor swap.Executor
	var dryExec *swap.DryRunExecutor
	var liveExec *swap.JupiterExecutor
	if cfg.General.DryRun {
		dryExec = swap.NewDryRunExecutor()
		executor = dryExec
		log.Info().Msg("Swap execution: DRY RUN")
	} else {
		liveExec = swap.NewJupiterExecutor(cfg.Swap, chainData)
		executor = liveExec
		log.Info().Str("wallet", cfg.Swap.WalletPub).Msg("Swap execution: LIVE")
	}

	// 7. Create detection sources.
	var runners []orchestrator.Runner
	for _, wallet := range cfg.Detection.Wallets {
		runners = append(runners,
			detect.NewWalletPoller(chain.Pubkey(wallet), chainData, fanin, cfg.Detection))
	}
	for _, program := range cfg.Detection.Programs {
		runners = append(runners,
			detect.NewLogWatcher(chain.Pubkey(program), chainData, fanin))
	}
	if *stubMode {
		// The fan-in dedups its overlap with the wallet pollers.
		runners = append(runners,
			detect.NewIndexerPoller(detect.NewStubIndexer(), fanin, cfg.Detection))
	}
	log.Info().
		Int("wallets", len(cfg.Detection.Wallets)).
		Int("programs", len(cfg.Detection.Programs)).
		Bool("indexer", *stubMode).
		Msg("Detection sources created")

	// 8. Create orchestrator.
	orch := orchestrator.New(cfg.Orchestrator, fanin, runners,
		tokenValidator, positions, marketSource, executor)

	// 9. Setup context and signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	// 10. Start services.
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.Run(ctx)
	}()

	// HTTP health/stats/control endpoint.
	wg.Add(1)
	go func() {
		defer wg.Done()
		mux := http.NewServeMux()

		// ---- health ----
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			status := "ok"
			if liveClient != nil {
				hctx, hcancel := context.WithTimeout(context.Background(), 3*time.Second)
				if err := liveClient.Health(hctx); err != nil {
					status = "degraded"
				}
				hcancel()
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"status":  status,
				"dry_run": cfg.General.DryRun,
				"paused":  orch.Paused(),
			})
		})

		// ---- stats ----
		mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
			combined := map[string]any{
				"orchestrator": orch.Stats(),
				"validator":    tokenValidator.Stats(),
				"positions":    positions.Stats(),
				"fanin":        fanin.Stats(),
				"daily":        positions.Daily(),
				"dry_run":      cfg.General.DryRun,
			}
			if liveClient != nil {
				combined["chain"] = liveClient.Stats()
				combined["rpc_pool"] = liveClient.Pool().Stats()
			}
			if httpMarket != nil {
				combined["market"] = httpMarket.Stats()
			}
			if liveExec != nil {
				combined["swap"] = liveExec.Stats()
			}
			if dryExec != nil {
				buys, sells := dryExec.Counts()
				combined["swap"] = map[string]int64{"dry_buys": buys, "dry_sells": sells}
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(combined)
		})

		// ---- positions ----
		mux.HandleFunc("/positions", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"open":   positions.OpenPositions(),
				"closed": positions.ClosedPositions(),
			})
		})
		mux.HandleFunc("/positions/open", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(positions.OpenPositions())
		})

		// ---- control plane ----
		mux.HandleFunc("/control/pause", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "POST only", http.StatusMethodNotAllowed)
				return
			}
			orch.Pause()
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"status":"paused"}`)
		})
		mux.HandleFunc("/control/resume", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "POST only", http.StatusMethodNotAllowed)
				return
			}
			orch.Resume()
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"status":"running"}`)
		})
		mux.HandleFunc("/control/kill", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "POST only", http.StatusMethodNotAllowed)
				return
			}
			go func() {
				killCtx, killCancel := context.WithTimeout(context.Background(), 30*time.Second)
				orch.Kill(killCtx)
				killCancel()
			}()
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"status":"killed","action":"close_all"}`)
		})

		server := &http.Server{
			Addr:              cfg.General.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		log.Info().Str("addr", cfg.General.HTTPAddr).
			Msg("HTTP server started (health + stats + control)")

		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			server.Shutdown(shutdownCtx)
		}()

		if srvErr := server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			log.Error().Err(srvErr).Msg("HTTP server error")
		}
	}()

	// Periodic stats logging.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := orch.Stats()
				fs := fanin.Stats()
				daily := positions.Daily()
				log.Info().
					Int64("candidates", st.Candidates).
					Int64("entries", st.Entries).
					Int64("exits", st.Exits).
					Int64("skips", st.Skips).
					Int64("duplicates", fs.Duplicates).
					Int("open_pos", positions.Stats().Open).
					Int("daily_trades", daily.Trades).
					Str("daily_pnl_sol", daily.PnLSOL.StringFixed(6)).
					Bool("paused", st.Paused).
					Msg("[STATS]")
			}
		}
	}()

	log.Info().Msg("KESTREL - Running")

	// 11. Block until shutdown.
	<-ctx.Done()
	wg.Wait()
	fanin.Close()

	// Final stats.
	finalStats := orch.Stats()
	daily := positions.Daily()
	log.Info().
		Int64("candidates", finalStats.Candidates).
		Int64("entries", finalStats.Entries).
		Int64("exits", finalStats.Exits).
		Int64("swap_fails", finalStats.SwapFails).
		Int("daily_trades", daily.Trades).
		Str("daily_pnl_sol", daily.PnLSOL.StringFixed(6)).
		Msg("KESTREL - Final Statistics")

	log.Info().Msg("KESTREL - Shutdown complete")
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "kestrel").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "kestrel").
			Str("instance", general.InstanceID).Logger()
	}
}
