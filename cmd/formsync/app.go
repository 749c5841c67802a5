package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/oneblink/formsync/internal/attachments"
	"github.com/oneblink/formsync/internal/auth"
	"github.com/oneblink/formsync/internal/config"
	"github.com/oneblink/formsync/internal/connectivity"
	"github.com/oneblink/formsync/internal/drafts"
	"github.com/oneblink/formsync/internal/kvstore"
	"github.com/oneblink/formsync/internal/logging"
	"github.com/oneblink/formsync/internal/pending"
	"github.com/oneblink/formsync/internal/prefill"
	"github.com/oneblink/formsync/internal/preparation"
	"github.com/oneblink/formsync/internal/remote"
	"github.com/oneblink/formsync/internal/submitflow"
)

// app is every component of a formsync process wired over one backend.
type app struct {
	cfg      config.Config
	logs     *logging.LogBuffer
	backend  kvstore.Backend
	store    *kvstore.Store
	session  *auth.Session
	client   *remote.Client
	monitor  *connectivity.Monitor
	queue    *pending.Queue
	drafts   *drafts.Store
	prefill  *prefill.Cache
	pipeline *submitflow.Pipeline
}

func newApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if opts.Verbose {
		level = "debug"
	}
	logs, err := logging.Setup(level, cfg.LogBufferBytes)
	if err != nil {
		return nil, err
	}
	logger := logging.Default()

	backend, err := openBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage %q: %w", cfg.StorageDSN, err)
	}
	store := kvstore.NewStore(backend, kvstore.Options{Threshold: cfg.ChunkThreshold, Logger: logging.Debug()})

	session, err := auth.NewSession(auth.Options{
		AccessToken:     strings.TrimSpace(os.Getenv("FORMSYNC_ACCESS_TOKEN")),
		AccessTokenFile: cfg.AccessTokenFile,
		FormsKeyID:      cfg.FormsKeyID,
		FormsKeySecret:  cfg.FormsKeySecret,
		Logger:          logger,
	})
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	client := remote.NewClient(remote.Options{
		APIOrigin:  cfg.APIOrigin,
		Region:     cfg.Region,
		Tokens:     session,
		HTTPClient: httpClient,
	})
	monitor := connectivity.NewMonitor(connectivity.Options{URL: cfg.ConnectivityURL, Logger: logger})
	queue := pending.NewQueue(store, pending.Options{Connectivity: monitor, Session: session, Logger: logger})
	draftStore := drafts.NewStore(store, drafts.Options{
		Remote:     client,
		Session:    session,
		Access:     client,
		Pending:    queue,
		FormsAppID: cfg.FormsAppID,
		Logger:     logger,
	})
	prefillCache := prefill.NewCache(store, client, logger)
	uploader := attachments.NewHTTPUploader(attachments.HTTPUploaderOptions{
		APIOrigin:  cfg.APIOrigin,
		Region:     cfg.Region,
		Tokens:     session,
		HTTPClient: httpClient,
	})
	pipeline := submitflow.New(submitflow.Options{
		API:                 client,
		Queue:               queue,
		Drafts:              draftStore,
		Prefill:             prefillCache,
		Preparer:            preparation.New(preparation.Options{Uploader: uploader, Logger: logger}),
		Connectivity:        monitor,
		PendingQueueEnabled: cfg.PendingQueueEnabled,
		AlwaysQueue:         cfg.AlwaysQueue,
		Logger:              logger,
	})

	return &app{
		cfg:      cfg,
		logs:     logs,
		backend:  backend,
		store:    store,
		session:  session,
		client:   client,
		monitor:  monitor,
		queue:    queue,
		drafts:   draftStore,
		prefill:  prefillCache,
		pipeline: pipeline,
	}, nil
}

func (a *app) Close() error {
	return a.backend.Close()
}

// openBackend honours minFreeDiskBytes for file storage given as a bare
// path. Every other DSN goes through the backend registry.
func openBackend(cfg config.Config) (kvstore.Backend, error) {
	dsn := strings.TrimSpace(cfg.StorageDSN)
	if cfg.MinFreeDiskBytes > 0 && !strings.Contains(dsn, "://") {
		return kvstore.NewFileBackend(dsn, kvstore.FileBackendOptions{MinFreeBytes: cfg.MinFreeDiskBytes})
	}
	return kvstore.BuildBackendFromDSN(dsn)
}

func (a *app) cycleContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, a.cfg.RequestTimeout*4)
}

func (a *app) syncDrafts(ctx context.Context, throwError bool) (bool, error) {
	return a.drafts.SyncDrafts(ctx, drafts.SyncOptions{ThrowError: throwError})
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
