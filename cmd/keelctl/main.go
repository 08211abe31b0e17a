package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	keel "github.com/keelmq/keel-go"
	"github.com/keelmq/keel-go/connectors/memory"
	"github.com/keelmq/keel-go/contracts"
	"github.com/keelmq/keel-go/health"
	"github.com/keelmq/keel-go/observe"
	"github.com/keelmq/keel-go/resilience"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "keelctl",
		Short: "Run and inspect keel orchestrators",
		Long: `keelctl is a CLI for the keel resilience toolkit.
It can run a self-contained demo orchestrator with health endpoints, and
query the health endpoint of any running keel instance.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	// Serve command
	var (
		addr     string
		interval int
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a demo orchestrator with health endpoints",
		Long: `Runs an orchestrator over an in-process connector, publishes a heartbeat
through the full resilience pipeline, and serves /healthz, /readyz, and
/livez until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			bridge, err := observe.New(nil)
			if err != nil {
				return fmt.Errorf("failed to create metric bridge: %w", err)
			}
			defer bridge.Close()

			orch := keel.NewOrchestrator(
				keel.WithLogger(logger),
				keel.WithHealthInterval(time.Duration(interval)*time.Second),
				keel.WithObserver(bridge),
			)

			bus := memory.New(memory.WithLogger(logger))
			if err := orch.Register("bus", keel.KindBroker, bus,
				keel.WithBreakerConfig(resilience.CircuitBreakerConfig{
					FailureThreshold: 3,
					RecoveryTimeout:  10 * time.Second,
				}),
			); err != nil {
				return fmt.Errorf("failed to register connector: %w", err)
			}

			exec, err := orch.Executor("bus")
			if err != nil {
				return fmt.Errorf("failed to resolve executor: %w", err)
			}
			exec.Breaker().OnStateChange(func(name string, from, to resilience.State, reason string) {
				logger.Warn("circuit state changed",
					"breaker", name, "from", from, "to", to, "reason", reason)
			})
			bridge.Track("bus", exec)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := orch.Initialize(ctx); err != nil {
				return fmt.Errorf("failed to initialize orchestrator: %w", err)
			}

			if err := orch.Subscribe(ctx, "bus", "heartbeat", func(ctx context.Context, msg *contracts.Message) error {
				logger.Debug("heartbeat received", "messageId", msg.ID)
				return nil
			}); err != nil {
				return fmt.Errorf("failed to subscribe: %w", err)
			}

			go publishHeartbeats(ctx, orch, logger)

			mux := http.NewServeMux()
			mux.Handle("/healthz", health.NewHandler(orch))
			mux.HandleFunc("/readyz", health.ReadinessHandler(orch))
			mux.HandleFunc("/livez", health.LivenessHandler())
			srv := &http.Server{Addr: addr, Handler: mux}

			errChan := make(chan error, 1)
			go func() {
				logger.Info("health endpoints listening", "addr", addr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errChan <- err
				}
			}()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			select {
			case sig := <-sigChan:
				logger.Info("shutting down", "signal", sig.String())
			case err := <-errChan:
				logger.Error("http server failed", "error", err)
			}
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown failed", "error", err)
			}
			if err := orch.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("failed to shut down orchestrator: %w", err)
			}
			return nil
		},
	}
	serveCmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "HTTP listen address for health endpoints")
	serveCmd.Flags().IntVarP(&interval, "interval", "i", 5, "Health check interval in seconds")

	// Status command
	var statusURL string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Query the health endpoint of a running instance",
		Long: `Fetches a keel health endpoint and renders the component table.
Exits non-zero when the overall status is unhealthy.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := fetchSnapshot(statusURL)
			if err != nil {
				return fmt.Errorf("failed to fetch health snapshot: %w", err)
			}

			printSnapshot(snap)

			if snap.OverallStatus != keel.StatusHealthy {
				return fmt.Errorf("system is %s", snap.OverallStatus)
			}
			return nil
		},
	}
	statusCmd.Flags().StringVarP(&statusURL, "url", "u", "http://localhost:8080/healthz", "Health endpoint URL")

	rootCmd.AddCommand(serveCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// publishHeartbeats drives the demo traffic: one message every two seconds
// through the full executor pipeline.
func publishHeartbeats(ctx context.Context, orch *keel.Orchestrator, logger *slog.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			payload, _ := json.Marshal(map[string]any{
				"seq":    seq,
				"sentAt": time.Now().UTC().Format(time.RFC3339),
			})
			msg := contracts.NewMessage("heartbeat", payload)

			outcome, err := orch.Publish(ctx, "bus", "heartbeat", msg)
			if err != nil {
				logger.Error("heartbeat publish failed", "error", err)
				continue
			}
			logger.Debug("heartbeat published",
				"seq", seq, "outcome", outcome.Status.String(), "attempts", outcome.Attempts)
		}
	}
}

// fetchSnapshot retrieves a health snapshot. Both 200 and 503 carry a
// decodable body; anything else is an error.
func fetchSnapshot(url string) (keel.HealthSnapshot, error) {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return keel.HealthSnapshot{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return keel.HealthSnapshot{}, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var snap keel.HealthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return keel.HealthSnapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

// Output formatting functions

func printSnapshot(snap keel.HealthSnapshot) {
	fmt.Printf("Overall Status: %s\n", snap.OverallStatus)
	fmt.Printf("Checked At: %s\n\n", snap.Timestamp.Format(time.RFC3339))

	if len(snap.Components) == 0 {
		fmt.Println("No components registered")
		return
	}

	names := make([]string, 0, len(snap.Components))
	for name := range snap.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%-25s %-12s %-12s %-8s %-20s %s\n", "Component", "Type", "Status", "Errors", "Last Checked", "Last Error")
	fmt.Println(strings.Repeat("-", 110))

	for _, name := range names {
		c := snap.Components[name]
		lastChecked := "N/A"
		if !c.LastCheckedAt.IsZero() {
			lastChecked = time.Since(c.LastCheckedAt).Truncate(time.Second).String() + " ago"
		}
		fmt.Printf("%-25s %-12s %-12s %-8d %-20s %s\n",
			truncate(name, 25),
			c.Type,
			c.Status,
			c.ErrorCount,
			lastChecked,
			truncate(c.LastError, 40),
		)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
