// Package supervisor is the Supervisor (C14): it owns the single KV
// handle, the in-memory block-tree DAG, and the watcher cursor, and
// wires every other component together at startup, per §9's "global
// mutable state" design note — the same role the teacher's
// app.ComponentManager plays for netAdapter/connectionManager/
// rpcServer, generalized from a p2p node's services to this
// indexer's watcher/ingest/query trio.
package supervisor

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trevorbernard/mina-indexer/internal/blockstore"
	"github.com/trevorbernard/mina-indexer/internal/config"
	"github.com/trevorbernard/mina-indexer/internal/errs"
	"github.com/trevorbernard/mina-indexer/internal/graphqlapi"
	"github.com/trevorbernard/mina-indexer/internal/ingest"
	"github.com/trevorbernard/mina-indexer/internal/ipc"
	"github.com/trevorbernard/mina-indexer/internal/keys"
	"github.com/trevorbernard/mina-indexer/internal/ledger"
	"github.com/trevorbernard/mina-indexer/internal/ledgerstore"
	"github.com/trevorbernard/mina-indexer/internal/logger"
	"github.com/trevorbernard/mina-indexer/internal/panics"
	"github.com/trevorbernard/mina-indexer/internal/query"
	"github.com/trevorbernard/mina-indexer/internal/store"
)

var log = logger.Get("SUPRVSR")

const (
	// currentSchemaVersion is the single byte stored at
	// meta/schema_version; a mismatch at startup is fatal per §6.
	currentSchemaVersion = byte(1)

	blockCacheSize = 4096

	// evictionSlack is §3's SLACK: orphans survive this many heights
	// below the new root before AdvanceRoot collapses the arena.
	evictionSlack = 64

	// reevaluateEvery/reevaluateInterval are §4.7's N admissions / T
	// seconds cadence for re-checking best_tip mid-drain.
	reevaluateEvery    = 50
	reevaluateInterval = 5 * time.Second

	defaultPollInterval = 2 * time.Second
	httpShutdownTimeout = 5 * time.Second
)

// Supervisor is the fully wired, not-yet-running indexer process.
type Supervisor struct {
	cfg config.StartConfig

	db       store.DB
	ingestor *ingest.Ingestor
	ipcSrv   *ipc.Server
	httpSrv  *http.Server

	spawn     func(func())
	signalled bool
}

// Signalled reports whether the most recent Run returned because of
// an OS signal rather than an IPC shutdown request or a fatal error,
// so main can map it to exit code 130 per the exit code table.
func (s *Supervisor) Signalled() bool {
	return s.signalled
}

// New opens the database, enforces the schema version, bootstraps the
// block-tree engine from whatever is already persisted, and
// constructs every component. It does not start serving; call Run for
// that. If cfg.LogFile is set, it builds a rotated file-plus-stderr
// logging backend and installs it before anything else runs, so every
// subsystem's log lines (including the ones New itself is about to
// emit) land in the file.
func New(cfg config.StartConfig) (*Supervisor, error) {
	if cfg.LogFile != "" {
		if err := installFileBackend(cfg.LogFile, cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	if err := logger.SetLogLevels(cfg.LogLevel); err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DatabaseDir)
	if err != nil {
		return nil, err
	}
	if err := checkSchemaVersion(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	blocks := blockstore.New(db, blockCacheSize)
	ledgers := ledgerstore.New(db)

	tree, agg, cursor, err := ingest.Bootstrap(db, blocks, ledgers, cfg.MaxReorgDepth, evictionSlack)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	pipe := ledger.New(blocks, ledgers, cfg.SnapshotEvery, cfg.MaxReorgDepth)

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	ingestor := ingest.New(ingest.Config{
		BlocksDir:          cfg.BlocksDir,
		StakingLedgersDir:  cfg.StakingLedgersDir,
		PollInterval:       pollInterval,
		ReevaluateEvery:    reevaluateEvery,
		ReevaluateInterval: reevaluateInterval,
	}, db, blocks, ledgers, tree, pipe, agg, cursor)

	resolver := query.New(blocks)

	ipcSrv, err := ipc.New(cfg.DomainSocketPath, resolver, ledgers, db, cfg.QueryTimeout)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	var httpSrv *http.Server
	if cfg.HTTPListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/graphql", graphqlapi.New(resolver, db, cfg.QueryTimeout))
		httpSrv = &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}
	}

	return &Supervisor{
		cfg:      cfg,
		db:       db,
		ingestor: ingestor,
		ipcSrv:   ipcSrv,
		httpSrv:  httpSrv,
		spawn:    panics.GoroutineWrapperFunc(log),
	}, nil
}

// Run starts the watcher/ingest loop, the IPC server, and (if
// configured) the GraphQL/HTTP adapter as three cooperative tasks
// (§5), and blocks until an OS signal, an IPC `shutdown` verb, or a
// fatal ingest error ends the run. Shutdown cancels the ingest loop and
// waits for it to finish the file it is admitting (files still queued
// lie above the watcher cursor and are found again by the next Scan),
// then closes the listeners and the store before returning.
func (s *Supervisor) Run() error {
	osSignal := make(chan os.Signal, 1)
	signal.Notify(osSignal, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(osSignal)

	ingestCtx, cancelIngest := context.WithCancel(context.Background())
	defer cancelIngest()

	ingestDone := make(chan struct{})
	fatalCh := make(chan error, 1)
	s.spawn(func() {
		defer close(ingestDone)
		s.runIngestLoop(ingestCtx, fatalCh)
	})

	s.spawn(s.ipcSrv.Serve)

	httpErrCh := make(chan error, 1)
	if s.httpSrv != nil {
		s.spawn(func() {
			if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				httpErrCh <- err
			}
		})
	}

	select {
	case <-osSignal:
		log.Infof("received interrupt signal, shutting down")
		s.signalled = true
	case <-s.ipcSrv.ShutdownRequested:
		log.Infof("shutdown requested over the IPC socket")
	case err := <-fatalCh:
		log.Criticalf("fatal ingest error: %v", err)
		cancelIngest()
		<-ingestDone
		_ = s.stopServers()
		_ = s.db.Close()
		return err
	case err := <-httpErrCh:
		log.Errorf("http server error: %v", err)
	}

	cancelIngest()
	<-ingestDone

	if err := s.stopServers(); err != nil {
		log.Errorf("error stopping servers: %v", err)
	}
	return s.db.Close()
}

func (s *Supervisor) stopServers() error {
	err := s.ipcSrv.Stop()
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if httpErr := s.httpSrv.Shutdown(ctx); httpErr != nil && err == nil {
			err = httpErr
		}
	}
	return err
}

// runIngestLoop polls both watched directories on the configured
// cadence, admitting and draining every discovered file until ctx is
// cancelled. Cancellation takes effect between Drain calls only
// (§5: ingest is non-cancellable mid-batch); a fatal error from
// Drain is reported on fatalCh and ends the loop.
func (s *Supervisor) runIngestLoop(ctx context.Context, fatalCh chan<- error) {
	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()

	for {
		if err := s.ingestor.Scan(); err != nil {
			log.Errorf("scan error: %v", err)
		} else if err := s.ingestor.Drain(ctx); err != nil {
			if errs.KindOf(err).Fatal() {
				fatalCh <- err
				return
			}
			log.Errorf("drain error: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) pollInterval() time.Duration {
	if s.cfg.PollInterval > 0 {
		return s.cfg.PollInterval
	}
	return defaultPollInterval
}

// installFileBackend builds a Backend that writes to both stderr and a
// rotated log file at logFile, starts it, and installs it as the
// package-wide default so every subsystem's `var log = logger.Get(...)`
// logger (already constructed at package-init time, well before this
// function runs) is rewired onto it.
func installFileBackend(logFile, logLevel string) error {
	// cfg.LogLevel already passed config.Parse's LevelFromString
	// check before New ever runs; the fallback here only matters if
	// that invariant is ever violated, in which case LevelInfo is a
	// reasonable default rather than a fatal startup error.
	level, _ := logger.LevelFromString(logLevel)
	backend := logger.NewBackend()
	if err := backend.AddLogWriter(logger.Stderr(), logger.LevelTrace); err != nil {
		return err
	}
	if err := backend.AddLogFile(logFile, level); err != nil {
		return err
	}
	if err := backend.Run(); err != nil {
		return err
	}
	logger.SetBackend(backend)
	return nil
}

// checkSchemaVersion enforces §6's rule: a fresh database has no
// schema_version row yet and adopts currentSchemaVersion; an existing
// database's stored byte must match exactly or the process exits
// fatally, following the teacher's app.checkDatabaseVersion shape
// (file-backed there; a single KV row here, since this schema already
// owns a meta bucket for exactly this purpose).
func checkSchemaVersion(db store.DB) error {
	data, err := db.Get(keys.MetaSchemaVersionKey)
	if errs.Is(err, errs.KindNotFound) {
		batch := db.NewWriteBatch()
		if err := batch.Put(keys.MetaSchemaVersionKey, []byte{currentSchemaVersion}); err != nil {
			batch.Discard()
			return err
		}
		return batch.Commit()
	}
	if err != nil {
		return err
	}
	if len(data) != 1 || data[0] != currentSchemaVersion {
		return errs.New(errs.KindSchema, "database schema version mismatch")
	}
	return nil
}
