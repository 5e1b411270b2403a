// Command retryd runs the watchtower client's retry engine as a
// standalone daemon: it loads configuration, opens the durable store,
// recovers any stale pending appointments left over from a previous run,
// and supervises one backoff campaign per tower until told to stop.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/watchtower-client/retryd/internal/clientstate"
	"github.com/watchtower-client/retryd/internal/config"
	"github.com/watchtower-client/retryd/internal/observability"
	"github.com/watchtower-client/retryd/internal/retry"
	sqlstorage "github.com/watchtower-client/retryd/internal/storage/sql"
	"github.com/watchtower-client/retryd/internal/tower"
	"github.com/watchtower-client/retryd/internal/towerapi"
	"github.com/watchtower-client/retryd/internal/towerapi/httpclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	loggerProvider, logger, err := observability.InitLogger(ctx, observability.Config{
		Enabled:     cfg.Observability.OTelEnabled,
		ServiceName: cfg.Observability.ServiceName,
	})
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer loggerProvider.Shutdown(ctx)
	slog.SetDefault(logger)

	tracerProvider, err := observability.InitTracerProvider(ctx, observability.Config{
		Enabled:     cfg.Observability.OTelEnabled,
		ServiceName: cfg.Observability.ServiceName,
	})
	if err != nil {
		log.Fatalf("failed to init tracer provider: %v", err)
	}
	defer tracerProvider.Shutdown(ctx)

	meterProvider, err := observability.InitMeterProvider(ctx, observability.Config{
		Enabled:     cfg.Observability.OTelEnabled,
		ServiceName: cfg.Observability.ServiceName,
	})
	if err != nil {
		log.Fatalf("failed to init meter provider: %v", err)
	}
	defer meterProvider.Shutdown(ctx)

	st, err := sqlstorage.NewStore(ctx, sqlstorage.DBConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}

	state := clientstate.New(st)
	if err := loadTrackedTowers(ctx, st, state); err != nil {
		log.Fatalf("failed to load tracked towers: %v", err)
	}

	net := httpclient.New(addressResolver(state), cfg.Retry.RequestTimeout)

	mgr := retry.NewManager(state, st, net, signer{}, verifier{}, logger, retry.Config{
		MaxElapsedTime: cfg.Retry.MaxElapsedTime,
		MaxInterval:    cfg.Retry.MaxInterval,
		AutoRetryDelay: cfg.Retry.AutoRetryDelay,
	})

	stale, err := retry.LoadStaleRequests(ctx, st)
	if err != nil {
		log.Fatalf("failed to load stale requests: %v", err)
	}
	// The Manager is not running yet, so the buffer must hold every
	// recovered request or the seeding loop below would block forever.
	requests := make(chan retry.Request, 64+len(stale))
	for _, req := range stale {
		requests <- req
	}
	logger.InfoContext(ctx, "recovered stale retry requests", "count", len(stale))

	done := make(chan error, 1)
	go func() {
		done <- mgr.Run(ctx, requests)
	}()

	logger.InfoContext(ctx, "retryd started")

	select {
	case <-ctx.Done():
		logger.InfoContext(ctx, "received shutdown signal, exiting")
	case err := <-done:
		if err != nil {
			logger.ErrorContext(ctx, "manager exited", "error", err)
		}
	}
}

// loadTrackedTowers seeds the in-memory ClientState from the durable
// store's full tower records, so a restarted daemon recovers each
// tower's last-known address, status, and subscription instead of
// resetting them, and recognizes the towers LoadStaleRequests is about
// to queue for it.
func loadTrackedTowers(ctx context.Context, st *sqlstorage.Store, state *clientstate.ClientState) error {
	towers, err := st.LoadTowers(ctx)
	if err != nil {
		return fmt.Errorf("load towers: %w", err)
	}
	for _, rec := range towers {
		state.RestoreTower(rec)
	}
	return nil
}

// addressResolver adapts ClientState's NetAddr lookup to the shape
// httpclient.Client needs to reach a tower over HTTP.
func addressResolver(state *clientstate.ClientState) httpclient.AddressResolver {
	return func(t tower.ID) (string, error) {
		return state.NetAddr(t)
	}
}

// signer and verifier are placeholder implementations of retry.Signer
// and retry.Verifier. Appointment signing and registration-receipt
// verification need the client's private key material, which lives
// outside this engine's scope; an embedding application is expected to
// supply real implementations backed by its wallet before running this
// binary against a live tower.
type signer struct{}

func (signer) SignAppointment(app tower.Appointment) ([]byte, error) {
	return nil, fmt.Errorf("retryd: no Signer configured for appointment %s", app.Locator)
}

type verifier struct{}

func (verifier) VerifyRegistration(t tower.ID, receipt tower.RegistrationReceipt) error {
	return fmt.Errorf("retryd: no Verifier configured for tower %s", t)
}

var (
	_ towerapi.Net   = (*httpclient.Client)(nil)
	_ retry.Signer   = signer{}
	_ retry.Verifier = verifier{}
)
