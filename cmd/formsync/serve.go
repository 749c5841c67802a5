package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oneblink/formsync/internal/auth"
	"github.com/oneblink/formsync/internal/connectivity"
	"github.com/oneblink/formsync/internal/forms"
	"github.com/oneblink/formsync/internal/httpapi"
	"github.com/oneblink/formsync/internal/kvstore"
	"github.com/oneblink/formsync/internal/logging"
	"github.com/oneblink/formsync/internal/pending"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and the background sync loop",
		Long: `Serve the local control API and keep delivering queued submissions and
syncing drafts on a jittered interval. A cycle also runs when the device comes
back online, when the user logs in, and when another process adds to the
queue in file storage.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if once {
				app.runCycle(ctx)
				return nil
			}
			return app.serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run one sync cycle and exit without serving")
	return cmd
}

func (a *app) serve(parent context.Context) error {
	logger := logging.Default()
	ctx, cancelLoops := context.WithCancel(parent)
	defer cancelLoops()
	handler := httpapi.NewServer(httpapi.Services{
		Queue:        a.queue,
		Drafts:       a.drafts,
		Pipeline:     a.pipeline,
		Prefill:      a.prefill,
		Session:      a.session,
		Connectivity: a.monitor,
		Logs:         a.logs,
		Logger:       logger,
	}, httpapi.ServerConfig{ControlSecret: a.cfg.ControlSecret})
	server := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	kick := make(chan struct{}, 1)
	trigger := func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
	disposeConnectivity := a.monitor.OnChange(func(change connectivity.Change) {
		if !change.Offline {
			trigger()
		}
	})
	defer disposeConnectivity()
	disposeLogin := a.session.OnLoginChange(func(change auth.LoginChange) {
		if change.LoggedIn {
			trigger()
		}
	})
	defer disposeLogin()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("connectivity monitor stopped: %v", err)
		}
	}()
	if watcher, ok := a.backend.(*kvstore.FileBackend); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.watchQueue(ctx, watcher, trigger)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.syncLoop(ctx, kick)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("formsync listening on %s", a.cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Printf("control API shutdown: %v", shutdownErr)
	}
	cancelLoops()
	wg.Wait()
	return err
}

// watchQueue kicks a cycle when another process changes the queue record
// and it holds an entry nobody has tried yet. Changes seen while this
// process drains, or while a drain could not run, are ignored.
func (a *app) watchQueue(ctx context.Context, backend *kvstore.FileBackend, trigger func()) {
	err := backend.Watch(ctx, func(key string) {
		if !strings.HasPrefix(key, pending.StorageKey) {
			return
		}
		if a.queue.IsDraining() || a.monitor.IsOffline() || !a.session.IsLoggedIn() {
			return
		}
		items, err := a.queue.List(ctx)
		if err != nil {
			logging.Debug().Printf("queue watch: list failed: %v", err)
			return
		}
		if hasFreshEntry(items) {
			trigger()
		}
	})
	if err != nil {
		logging.Warn().Printf("queue watch stopped: %v", err)
	}
}

func hasFreshEntry(items []forms.PendingFormSubmission) bool {
	for _, item := range items {
		if item.Error == "" && !item.IsSubmitting && !item.IsEditing {
			return true
		}
	}
	return false
}

func (a *app) syncLoop(ctx context.Context, kick <-chan struct{}) {
	logger := logging.Default()
	jitter := clampJitterRatio(a.cfg.IntervalJitter)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	a.runCycle(ctx)
	timer := time.NewTimer(jitteredIntervalWithSample(a.cfg.SyncInterval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Printf("sync loop stopping: %v", ctx.Err())
			return
		case <-kick:
			a.runCycle(ctx)
		case <-timer.C:
			a.runCycle(ctx)
			timer.Reset(jitteredIntervalWithSample(a.cfg.SyncInterval, jitter, rng.Float64()))
		}
	}
}

// runCycle delivers queued submissions and then syncs drafts, so a draft
// whose submission was just accepted is already gone when drafts sync.
func (a *app) runCycle(parent context.Context) {
	logger := logging.Default()
	if a.session.TokenFile() != "" {
		if err := a.session.ReloadTokenFile(); err != nil {
			logger.Printf("access token reload failed: %v", err)
		}
	}
	ctx, cancel := a.cycleContext(parent)
	defer cancel()

	result, ran := a.pipeline.ProcessPendingQueue(ctx)
	if ran && result.Attempted > 0 {
		logger.Printf("pending queue drained: attempted=%d succeeded=%d failed=%d skipped=%d",
			result.Attempted, result.Succeeded, result.Failed, result.Skipped)
	}
	if _, err := a.syncDrafts(ctx, false); err != nil {
		logger.Printf("draft sync failed: %v", err)
		return
	}
	logging.Debug().Printf("sync cycle completed")
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
