package main

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/placeholder-sync/internal/certs"
	"github.com/alexjbarnes/placeholder-sync/internal/config"
	"github.com/alexjbarnes/placeholder-sync/internal/engine"
	syncerrors "github.com/alexjbarnes/placeholder-sync/internal/errors"
	"github.com/alexjbarnes/placeholder-sync/internal/journal"
	"github.com/alexjbarnes/placeholder-sync/internal/localfs"
	"github.com/alexjbarnes/placeholder-sync/internal/logging"
	"github.com/alexjbarnes/placeholder-sync/internal/policy"
	"github.com/alexjbarnes/placeholder-sync/internal/remote"
)

// app holds everything a command needs once the workspace is locked.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	lock       *engine.WorkspaceLock
	journal    *journal.Journal
	policy     *policy.Policy
	httpClient *http.Client
	engine     *engine.Engine

	// certs is set when certificate verification is disabled.
	certs *certs.Recorder
}

// openApp loads the configuration, takes the workspace lock and wires the
// engine. Logs go to logOut so command output on stdout stays clean.
func openApp(logOut io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(logOut, cfg.Environment)

	return wire(cfg, logger)
}

func wire(cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	lock := engine.NewWorkspaceLock(cfg.LockPath())
	if err := lock.Lock(); err != nil {
		if errors.Is(err, syncerrors.ErrWorkspaceLocked) {
			return nil, fmt.Errorf("%s: %w (is `placeholder-sync run` active? use its MCP endpoint instead)", cfg.SyncDir, err)
		}

		return nil, err
	}

	defer func() {
		if err != nil {
			_ = lock.Unlock()
		}
	}()

	pol, err := policy.Load(cfg.SyncDir, logger)
	if err != nil {
		return nil, fmt.Errorf("loading policy: %w", err)
	}

	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			_ = j.Close()
		}
	}()

	var recorder *certs.Recorder

	httpClient := remote.NewHTTPClient(nil)
	if cfg.InsecureAcceptCerts {
		logger.Warn("TLS certificate verification disabled")
		recorder = certs.NewRecorder(logger, persistCertificate(j, logger))
		httpClient = remote.NewHTTPClient(recorder.TLSConfig())
	}

	client := remote.NewClient(cfg.ServerURL, cfg.ServerToken, httpClient).WithRoot(cfg.RemoteRoot)

	placeholders := cfg.PlaceholderPolicy()
	placeholders.Pinned = pol.Pinned

	tree := localfs.NewTree(cfg.SyncDir, cfg.PlaceholderSuffix)
	scanner := localfs.NewScanner(tree, pol.Excluded, logger)
	exec := engine.NewFSExecutor(tree, scanner, client, logger)

	eng := engine.New(scanner, client, j, exec, engine.Options{
		Policy:  placeholders,
		Exclude: pol.Excluded,
		Workers: cfg.SyncWorkers,
	}, logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		lock:       lock,
		journal:    j,
		policy:     pol,
		httpClient: httpClient,
		engine:     eng,
		certs:      recorder,
	}, nil
}

// persistCertificate stores each newly accepted certificate in the
// journal so status can list it after the process exits.
func persistCertificate(j *journal.Journal, logger *slog.Logger) func(*x509.Certificate) {
	return func(cert *x509.Certificate) {
		_, err := j.RecordCertificate(journal.CertificateRecord{
			Fingerprint: certs.Fingerprint(cert),
			Subject:     cert.Subject.String(),
			Issuer:      cert.Issuer.String(),
			NotAfter:    cert.NotAfter.UTC(),
			FirstSeen:   time.Now().UTC(),
		})
		if err != nil {
			logger.Warn("recording accepted certificate", slog.String("error", err.Error()))
		}
	}
}

// Close releases the journal and the workspace lock.
func (a *app) Close() {
	if a.certs != nil {
		a.logger.Info("unverified certificates accepted this session",
			slog.Int("count", len(a.certs.Certificates())))
	}

	if err := a.journal.Close(); err != nil {
		a.logger.Warn("closing journal", slog.String("error", err.Error()))
	}

	if err := a.lock.Unlock(); err != nil {
		a.logger.Warn("releasing workspace lock", slog.String("error", err.Error()))
	}
}
