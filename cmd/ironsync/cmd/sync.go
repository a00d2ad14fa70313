package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsync/account"
	"github.com/jmcleod/ironsync/config"
	"github.com/jmcleod/ironsync/record"
	"github.com/jmcleod/ironsync/repository"
	"github.com/jmcleod/ironsync/state"
	"github.com/jmcleod/ironsync/storage"
	"github.com/jmcleod/ironsync/syncer"
	"github.com/jmcleod/ironsync/transport"
)

var resetTimestamps bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.ValidateClient(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		creds, err := account.NewCredentials(cfg.Account, cfg.Password, cfg.SyncKey, cfg.ServerURL)
		if err != nil {
			return fmt.Errorf("failed to load credentials: %w", err)
		}
		defer creds.Destroy()

		s, closeFn, err := buildSyncer(ctx, cfg, creds)
		if err != nil {
			return err
		}
		defer closeFn()

		res, err := s.Sync(ctx)
		if err != nil {
			printFailure(err)
			return err
		}
		printResult(res)
		return nil
	},
}

func buildSyncer(ctx context.Context, cfg *config.Config, creds *account.Credentials) (*syncer.Syncer, func(), error) {
	b, err := openBackend(ctx, cfg.Backend, cfg.DataDir, cfg.PostgresDSN, "ironsync")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open local storage: %w", err)
	}
	closeFn := func() {
		if err := b.close(); err != nil {
			logger.Warn("closing local storage", slog.Any("error", err))
		}
	}

	storeKey, err := creds.LocalStoreKey()
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	local, err := storage.NewSealedStore(b.store, storeKey)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	stateKey, err := creds.LocalStateKey()
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	st, err := state.Open(ctx, b.state, creds.Username(), state.WithSealKey(stateKey), state.WithLogger(logger))
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("failed to open sync state: %w", err)
	}
	if resetTimestamps {
		if err := st.ResetTimestamps(ctx); err != nil {
			closeFn()
			return nil, nil, err
		}
	}

	client := transport.NewHTTPClient(
		transport.WithAuthenticator(creds),
		transport.WithUserAgent("ironsync/"+Version),
		transport.WithLogger(logger))

	opts := []syncer.Option{
		syncer.WithLogger(logger),
		syncer.WithDeadline(cfg.Deadline),
		syncer.WithIdleTimeout(cfg.IdleTimeout),
		syncer.WithBatchSize(cfg.BatchSize),
	}
	for _, name := range cfg.Collections {
		repo := repository.NewStoreRepository(local, name, record.BasicFactory{}, repository.WithLogger(logger))
		opts = append(opts, syncer.WithCollection(name, repo, record.BasicFactory{}))
	}
	return syncer.New(account.NewStaticStore(creds), client, st, opts...), closeFn, nil
}

func printResult(res *syncer.Result) {
	green := color.New(color.FgGreen, color.Bold)
	green.Printf("Sync completed in %s\n", res.Elapsed.Round(time.Millisecond))
	for _, c := range res.Collections {
		down := fmt.Sprintf("%d down", c.Downloaded)
		if c.DownloadSkipped {
			down = "unchanged"
		}
		fmt.Printf("  %-16s %-12s %d up", c.Name, down, c.Uploaded)
		if n := c.DownloadFailures + c.UploadFailures; n > 0 {
			color.New(color.FgYellow).Printf("  (%d failed)", n)
		}
		fmt.Println()
	}
}

func printFailure(err error) {
	red := color.New(color.FgRed, color.Bold)
	se, ok := errors.AsType[*syncer.SyncError](err)
	if !ok {
		red.Printf("Sync failed: %v\n", err)
		return
	}
	red.Printf("Sync failed at %s: %s\n", se.Stage, se.Reason)
	switch se.Cause {
	case syncer.CauseReauthenticate:
		fmt.Println("  Check the account name and password.")
	case syncer.CauseKeyRefetch:
		fmt.Println("  Check the sync key. Persisted keys were discarded.")
	case syncer.CauseTransient:
		fmt.Println("  Try again later.")
	}
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolVar(&resetTimestamps, "reset-timestamps", false, "Forget high-water marks and sync every record again")
}
