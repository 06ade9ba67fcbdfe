package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"clinic-calendar-sync/internal/calendar"
	"clinic-calendar-sync/internal/calsync"
	"clinic-calendar-sync/internal/config"
	"clinic-calendar-sync/internal/flow"
	"clinic-calendar-sync/internal/store"
	"clinic-calendar-sync/internal/syncer"
	"clinic-calendar-sync/pkg/auth"
)

// setupLogging configures the global zerolog logger for terminal output.
func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	return nil
}

// app holds the service and the backends it was built on.
type app struct {
	cfg     *config.Config
	service *calsync.Service
	closers []func() error
}

// errEphemeralStore rejects one-shot commands on the in-memory backend, which
// forgets the connection as soon as the command exits.
var errEphemeralStore = errors.New("the memory store keeps no state between commands: set DATABASE_URL or store.backend=postgres, or use 'serve'")

// newApp connects the configured backends and builds the service.
func newApp(ctx context.Context, cfg *config.Config, persistent bool) (*app, error) {
	if persistent && cfg.Store.Backend == config.BackendMemory {
		return nil, errEphemeralStore
	}
	a := &app{cfg: cfg}

	oauthCfg, err := auth.LoadOAuthConfig(ctx, cfg.ClientSource())
	if err != nil {
		return nil, err
	}

	var (
		base         store.Store
		appointments store.AppointmentStore
	)
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pg, err := store.OpenPostgres(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		base, appointments = pg, pg
	default:
		log.Warn().Msg("Using the in-memory store: connection and sync state are lost on exit")
		mem := store.NewMemory()
		base, appointments = mem, mem
	}

	if cfg.Store.FirestoreProject != "" {
		client, err := firestore.NewClient(ctx, cfg.Store.FirestoreProject)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create Firestore client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		base = store.WithCredentials(base, store.NewFirestoreCredentials(client))
		log.Debug().Str("project", cfg.Store.FirestoreProject).Msg("Credentials stored in Firestore")
	}

	syncOpts := []syncer.Option{
		syncer.WithParallelism(cfg.Sync.Parallelism),
		syncer.WithPullWindow(cfg.Sync.PullWindow),
		syncer.WithStaleAfter(cfg.Sync.StaleAfter),
	}
	if cfg.Store.RedisURL != "" {
		locker, err := store.NewRedisLocker(cfg.Store.RedisURL, cfg.Sync.LockTTL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, locker.Close)
		if err := locker.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to reach Redis: %w", err)
		}
		syncOpts = append(syncOpts, syncer.WithLocker(locker))
	}

	a.service = calsync.New(calsync.Deps{
		OAuth:        oauthCfg,
		Store:        base,
		Appointments: appointments,
		Calendar:     calendar.NewClient(),
		CalendarName: cfg.Calendar.Name,
		Flow: []flow.Option{
			flow.WithPortRange(cfg.OAuth.PortLow, cfg.OAuth.PortHigh),
			flow.WithTTL(cfg.OAuth.FlowTTL),
		},
		Sync: syncOpts,
	})
	return a, nil
}

// Close releases backends in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Failed to close backend")
		}
	}
	a.closers = nil
}
