// Package cli provides the command-line interface for clinic-calendar-sync.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"clinic-calendar-sync/internal/config"
	"clinic-calendar-sync/internal/domain"
	"clinic-calendar-sync/internal/mcp"
	"clinic-calendar-sync/pkg/auth"
)

// Version information
const Version = "0.1.0"

// RootCmd is the root command for the CLI.
var RootCmd = &cobra.Command{
	Use:   "clinic-calendar-sync",
	Short: "Clinic Calendar Sync - Mirror clinic appointments to Google Calendar",
	Long: `Connect a Google Calendar account and keep it in sync with the clinic's
appointments. Appointments are pushed to the calendar; events cancelled in the
calendar cancel the matching appointment.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

// Global flags
var (
	configFile string
	logLevel   string
)

// Command flags
var (
	connectNoBrowser bool
	disconnectForce  bool
	syncShowItems    bool
	historyLimit     int
	historyOffset    int
	serveHost        string
	servePort        int
	serveNoScheduler bool
)

// cfg is loaded once per invocation by loadSettings.
var cfg *config.Config

var (
	versionCmd = &cobra.Command{
		Use:               "version",
		Short:             "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clinic-calendar-sync version %s\n", Version)
		},
	}

	connectCmd = &cobra.Command{
		Use:   "connect",
		Short: "Connect a Google Calendar account",
		Long: `Start the Google authorization flow.

A loopback listener is opened on the first free port of the configured range
and the consent page is opened in the browser. The command waits until the
browser is redirected back, the flow expires, or it is interrupted.

After connecting, sync is disabled. Enable it with 'clinic-calendar-sync enable'.`,
		Example: `  # Connect and open the browser
  clinic-calendar-sync connect

  # Print the URL only (remote sessions)
  clinic-calendar-sync connect --no-browser`,
		RunE: runConnect,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the calendar connection status",
		RunE:  runStatus,
	}

	enableCmd = &cobra.Command{
		Use:   "enable",
		Short: "Enable automatic sync",
		RunE:  func(cmd *cobra.Command, args []string) error { return runSetSync(true) },
	}

	disableCmd = &cobra.Command{
		Use:   "disable",
		Short: "Disable automatic sync",
		RunE:  func(cmd *cobra.Command, args []string) error { return runSetSync(false) },
	}

	disconnectCmd = &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect the Google Calendar account",
		Long: `Revoke the Google grant and delete the stored tokens.

Events already written to the calendar stay there, and the links between
appointments and events are kept so a later reconnect does not duplicate them.`,
		RunE: runDisconnect,
	}

	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Push appointments to the calendar now",
		RunE:  runSync,
	}

	pullCmd = &cobra.Command{
		Use:   "pull",
		Short: "Apply calendar-side cancellations to appointments",
		RunE:  runPull,
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List recent sync runs",
		Example: `  # Last 20 runs
  clinic-calendar-sync history

  # Next page
  clinic-calendar-sync history --limit 20 --offset 20`,
		RunE: runHistory,
	}

	currentCmd = &cobra.Command{
		Use:   "current",
		Short: "Show the sync run in progress",
		RunE:  runCurrent,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server and the sync scheduler",
		Long: `Serve the calendar tools over MCP streamable HTTP and run the periodic sync.

Authentication:
  --api-key or MCP_API_KEY:            static bearer key
  FIRESTORE_PROJECT:                   bearer keys stored in the api_keys collection
  neither:                             no authentication`,
		RunE: runServe,
	}
)

func loadSettings(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") || c.LogLevel == "" {
		c.LogLevel = logLevel
	}
	if err := setupLogging(c.LogLevel); err != nil {
		return err
	}
	cfg = c
	return nil
}

// withApp builds the service for one command and closes it afterwards.
// Commands that read or write state between invocations need persistent.
func withApp(persistent bool, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, persistent)
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}
	defer a.Close()
	return fn(ctx, a)
}

func runConnect(cmd *cobra.Command, args []string) error {
	return withApp(true, func(ctx context.Context, a *app) error {
		authz, err := a.service.StartAuthorization(ctx)
		if err != nil {
			return err
		}
		defer a.service.CancelAuthorization()

		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Println("Open this URL in your browser to authorize calendar access:")
		fmt.Println()
		fmt.Println("  " + cyan(authz.AuthorizationURL))
		fmt.Println()
		fmt.Printf("Waiting for the redirect on port %d...\n", authz.RedirectPort)
		if !connectNoBrowser {
			auth.OpenBrowser(authz.AuthorizationURL)
		}

		if err := authz.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return fmt.Errorf("authorization interrupted")
			}
			return describe(err)
		}

		status, err := a.service.GetConnectionStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Println()
		displayStatus(os.Stdout, status)
		return nil
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(true, func(ctx context.Context, a *app) error {
		status, err := a.service.GetConnectionStatus(ctx)
		if err != nil {
			return err
		}
		displayStatus(os.Stdout, status)

		current, err := a.service.GetCurrentSyncStatus(ctx)
		if err != nil {
			return err
		}
		if current != nil {
			fmt.Println()
			displayRun(os.Stdout, current)
		}
		return nil
	})
}

func runSetSync(enabled bool) error {
	return withApp(true, func(ctx context.Context, a *app) error {
		status, err := a.service.SetSyncEnabled(ctx, enabled)
		if err != nil {
			return describe(err)
		}
		displayStatus(os.Stdout, status)
		return nil
	})
}

func runDisconnect(cmd *cobra.Command, args []string) error {
	return withApp(true, func(ctx context.Context, a *app) error {
		status, err := a.service.GetConnectionStatus(ctx)
		if err != nil {
			return err
		}
		if !status.Connected {
			fmt.Println("Google Calendar is not connected.")
			return nil
		}

		if !disconnectForce {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("%s %s\n", yellow("Disconnect"), status.ConnectedEmail)
			fmt.Print("\nAre you sure you want to disconnect Google Calendar? (y/N): ")
			var response string
			fmt.Scanln(&response)

			response = strings.ToLower(strings.TrimSpace(response))
			if response != "y" && response != "yes" {
				fmt.Println("Disconnect cancelled.")
				return nil
			}
		}

		if err := a.service.Disconnect(ctx); err != nil {
			return err
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Google Calendar disconnected.\n", green("✓"))
		return nil
	})
}

func runSync(cmd *cobra.Command, args []string) error {
	return withApp(true, func(ctx context.Context, a *app) error {
		run, err := a.service.TriggerManualSync(ctx)
		if run != nil {
			displayRun(os.Stdout, run)
			if syncShowItems {
				items, itemsErr := a.service.GetSyncItems(ctx, run.ID)
				if itemsErr != nil {
					return itemsErr
				}
				displayItems(os.Stdout, items)
			}
		}
		if err != nil {
			return describe(err)
		}
		return nil
	})
}

func runPull(cmd *cobra.Command, args []string) error {
	return withApp(true, func(ctx context.Context, a *app) error {
		run, err := a.service.PullFromProvider(ctx)
		if run != nil {
			displayRun(os.Stdout, run)
		}
		if err != nil {
			return describe(err)
		}
		return nil
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withApp(true, func(ctx context.Context, a *app) error {
		runs, err := a.service.GetSyncHistory(ctx, historyLimit, historyOffset)
		if err != nil {
			return err
		}
		displayHistory(os.Stdout, runs)
		return nil
	})
}

func runCurrent(cmd *cobra.Command, args []string) error {
	return withApp(true, func(ctx context.Context, a *app) error {
		current, err := a.service.GetCurrentSyncStatus(ctx)
		if err != nil {
			return err
		}
		if current == nil {
			fmt.Println("No sync in progress.")
			return nil
		}
		displayRun(os.Stdout, current)
		return nil
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("host") {
		cfg.MCP.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.MCP.Port = servePort
	}

	return withApp(false, func(ctx context.Context, a *app) error {
		if !serveNoScheduler {
			scheduler := a.service.Scheduler(cfg.Sync.Schedule)
			if err := scheduler.Start(ctx); err != nil {
				return err
			}
			defer scheduler.Stop()
		}

		server := mcp.NewServer(&mcp.Config{
			Host:             cfg.MCP.Host,
			Port:             cfg.MCP.Port,
			APIKey:           cfg.MCP.APIKey,
			FirestoreProject: cfg.MCP.FirestoreProject,
		}, a.service)
		log.Info().Str("host", cfg.MCP.Host).Int("port", cfg.MCP.Port).Msg("Starting MCP server")
		return server.Run(ctx)
	})
}

// describe turns domain errors into actionable messages.
func describe(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotConnected):
		return fmt.Errorf("%w (run 'clinic-calendar-sync connect', then 'clinic-calendar-sync enable')", err)
	case errors.Is(err, domain.ErrReauthenticationRequired):
		return fmt.Errorf("%w (run 'clinic-calendar-sync connect')", err)
	case errors.Is(err, domain.ErrSyncAlreadyInProgress):
		return fmt.Errorf("%w (see 'clinic-calendar-sync current')", err)
	case errors.Is(err, auth.ErrPortExhausted):
		return fmt.Errorf("%w (adjust oauth.port_low/oauth.port_high)", err)
	}
	return err
}

// Init initializes the CLI commands and flags.
func Init() {
	RootCmd.Version = Version
	RootCmd.SetVersionTemplate("clinic-calendar-sync version {{.Version}}\n")

	RootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: calsync.yaml in ., ./config or ~/.clinic-calendar-sync)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	connectCmd.Flags().BoolVar(&connectNoBrowser, "no-browser", false, "Print the authorization URL without opening a browser")

	disconnectCmd.Flags().BoolVarP(&disconnectForce, "force", "f", false, "Skip confirmation prompt")

	syncCmd.Flags().BoolVar(&syncShowItems, "items", false, "List per-appointment results")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Number of runs to show (max 100)")
	historyCmd.Flags().IntVarP(&historyOffset, "offset", "o", 0, "Number of runs to skip")

	serveCmd.Flags().StringVar(&serveHost, "host", "localhost", "Host to bind")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "Serve tools only, without the periodic sync")

	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(connectCmd)
	RootCmd.AddCommand(statusCmd)
	RootCmd.AddCommand(enableCmd)
	RootCmd.AddCommand(disableCmd)
	RootCmd.AddCommand(disconnectCmd)
	RootCmd.AddCommand(syncCmd)
	RootCmd.AddCommand(pullCmd)
	RootCmd.AddCommand(historyCmd)
	RootCmd.AddCommand(currentCmd)
	RootCmd.AddCommand(serveCmd)
}
