package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gitlab.com/gitlab-org/geo/internal/geo/cache"
	"gitlab.com/gitlab-org/geo/internal/geo/config"
	"gitlab.com/gitlab-org/geo/internal/geo/consistency"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
	"gitlab.com/gitlab-org/geo/internal/geo/delay"
	"gitlab.com/gitlab-org/geo/internal/geo/events"
	"gitlab.com/gitlab-org/geo/internal/geo/filesync"
	"gitlab.com/gitlab-org/geo/internal/geo/housekeeping"
	"gitlab.com/gitlab-org/geo/internal/geo/jobqueue"
	"gitlab.com/gitlab-org/geo/internal/geo/lease"
	"gitlab.com/gitlab-org/geo/internal/geo/registry"
	"gitlab.com/gitlab-org/geo/internal/geo/replicator"
	"gitlab.com/gitlab-org/geo/internal/geo/reposync"
	"gitlab.com/gitlab-org/geo/internal/geo/scheduler"
	"gitlab.com/gitlab-org/geo/internal/geo/status"
	"gitlab.com/gitlab-org/geo/internal/geo/transfer"
	"gitlab.com/gitlab-org/geo/internal/geo/verification"
	"gitlab.com/gitlab-org/geo/internal/helper"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	eventLogBatchSize    = 500
	eventLogInterval     = time.Second
	metadataCacheSize    = 10000
	statusCollectTimeout = 5 * time.Second
	loopJitter           = 0.1
)

// daemon holds the long lived resources of a running node.
type daemon struct {
	conf    config.Config
	promreg prometheus.Registerer

	db     *sql.DB
	mainDB *sql.DB
	redis  redis.UniversalClient
	queue  jobqueue.Queue
	leases lease.Store
	policy *delay.Policy

	names      []string
	registries map[string]registry.Store
	factory    *replicator.Factory

	loops []loopSpec
}

type loopSpec struct {
	name     string
	interval time.Duration
	task     scheduler.Task
}

func run(ctx context.Context, conf config.Config, promreg prometheus.Registerer) (err error) {
	d := &daemon{conf: conf, promreg: promreg, policy: delay.NewPolicy()}
	defer func() { err = multierr.Append(err, d.close()) }()

	if err := d.open(ctx); err != nil {
		return err
	}

	if conf.IsPrimary() {
		err = d.setupPrimary()
	} else {
		err = d.setupSecondary()
	}
	if err != nil {
		return err
	}

	reporter := status.NewReporter(d.factory, d.names)
	if err := promreg.Register(status.NewCollector(logger, reporter, statusCollectTimeout)); err != nil {
		return fmt.Errorf("register status collector: %w", err)
	}

	return d.runLoops(ctx)
}

func (d *daemon) open(ctx context.Context) error {
	var err error

	openCtx, cancel := context.WithTimeout(ctx, defaultOpenTimeout)
	defer cancel()

	if d.db, err = glsql.OpenDB(openCtx, d.conf.DB); err != nil {
		logger.WithError(err).Error("SQL connection open failed")
		return err
	}

	d.mainDB = d.db
	if d.conf.MainDB.Host != "" {
		if d.mainDB, err = glsql.OpenDB(openCtx, d.conf.MainDB); err != nil {
			logger.WithError(err).Error("main database connection open failed")
			return err
		}
	}

	if d.redis, err = openRedis(d.conf.Redis); err != nil {
		return err
	}

	if d.queue, err = jobqueue.New(logger, d.conf.Queue, d.redis); err != nil {
		return fmt.Errorf("job queue: %w", err)
	}

	if d.leases, err = newLeaseStore(d.conf.Lease, d.db, d.redis); err != nil {
		return err
	}

	for _, def := range replicator.Definitions() {
		if d.conf.ReplicableEnabled(def.Name) {
			d.names = append(d.names, def.Name)
		}
	}
	if len(d.names) == 0 {
		return errors.New("no replicable is enabled")
	}

	return nil
}

func (d *daemon) close() error {
	var err error

	if d.queue != nil {
		err = multierr.Append(err, d.queue.Close())
	}
	if d.redis != nil {
		err = multierr.Append(err, d.redis.Close())
	}
	if d.mainDB != nil && d.mainDB != d.db {
		err = multierr.Append(err, d.mainDB.Close())
	}
	if d.db != nil {
		err = multierr.Append(err, d.db.Close())
	}

	return err
}

// newChecksummer calculates checksums of the local copies.
func (d *daemon) newChecksummer() verification.Checksummer {
	git := transfer.NewGitTransport(d.conf.Storage.GitBinary, nil, logger)

	return verification.KindChecksummer{
		Repository: verification.NewRepositoryChecksummer(git, d.conf.Storage.RepositoriesPath),
		Blob:       verification.NewFileChecksummer(d.conf.Storage.FilesPath),
	}
}

func (d *daemon) verificationLoops(primary verification.PrimaryChecksums) error {
	checksummer := d.newChecksummer()
	batchSize := d.conf.Verification.BatchSize

	var workers []scheduler.BatchPerformer
	for _, name := range d.names {
		worker := verification.NewWorker(name, d.registries[name], checksummer, primary, d.policy, nil, batchSize, logger)
		if err := d.promreg.Register(worker); err != nil {
			return fmt.Errorf("register %s verification worker: %w", name, err)
		}
		workers = append(workers, worker)
	}

	sweeper := verification.NewSweeper(d.factory, verification.SweeperConfig{
		ReplicableNames:        d.names,
		Timeout:                d.conf.Verification.Timeout.Duration(),
		ReverificationInterval: d.conf.Verification.ReverificationInterval.Duration(),
		BatchSize:              batchSize,
	}, d.policy, nil, logger)

	d.loops = append(d.loops,
		loopSpec{"verification", d.conf.Verification.Interval.Duration(), scheduler.VerificationTask(workers, batchSize)},
		loopSpec{"verification_sweep", d.conf.Verification.Interval.Duration(), scheduler.SweepTask(sweeper)},
	)

	return nil
}

// setupPrimary verifies the primary's own copies. Its verification state is
// kept next to the main database so secondaries can read it.
func (d *daemon) setupPrimary() error {
	d.registries = replicator.PostgresRegistries(d.mainDB)
	d.factory = replicator.NewFactory(d.conf, events.NewPostgresStore(d.mainDB), d.registries, d.queue, logger)

	return d.verificationLoops(nil)
}

func (d *daemon) setupSecondary() error {
	conf := d.conf

	d.registries = replicator.PostgresRegistries(d.db)
	eventStore := events.NewPostgresStore(d.mainDB)
	d.factory = replicator.NewFactory(conf, eventStore, d.registries, d.queue, logger)

	caches, err := cache.New(metadataCacheSize)
	if err != nil {
		return err
	}

	signer := transfer.NewSigner(conf.Node.Name, conf.Primary.Secret, nil)
	git := transfer.NewGitTransport(conf.Storage.GitBinary, transfer.NewHTTPClient(), logger)

	var housekeeper reposync.Housekeeper
	var maintainer *housekeeping.Service
	if conf.Housekeeping.Enabled {
		maintainer = housekeeping.NewService(conf, newCounterStore(d.db, d.redis), d.queue, d.leases, git, logger)
		housekeeper = maintainer
	}

	repoSync := reposync.NewService(reposync.Dependencies{
		Registries:       d.factory,
		Leases:           d.leases,
		Transport:        git,
		Remote:           transfer.NewRemote(conf.Primary.URL, signer),
		Caches:           caches,
		Housekeeping:     housekeeper,
		Pools:            reposync.NewPostgresPoolChecker(d.mainDB),
		Jobs:             d.queue,
		Policy:           d.policy,
		RepositoriesPath: conf.Storage.RepositoriesPath,
		Logger:           logger,
	})

	fileSync := filesync.NewService(d.factory, d.leases, transfer.NewHTTPDownloader(nil, conf.Primary.URL, signer, logger), caches, d.queue, d.policy, nil, conf.Storage.FilesPath, logger)

	handlers := scheduler.Handlers{
		RepositorySync:    repoSync,
		BlobDownload:      fileSync,
		RepositoryRemoval: reposync.NewRemover(d.factory, d.leases, conf.Storage.RepositoriesPath, logger),
		BlobRemoval:       filesync.NewRemover(d.factory, d.leases, conf.Storage.FilesPath, logger),
		Housekeeping:      disabledHousekeeping{},
	}
	if maintainer != nil {
		handlers.Housekeeping = maintainer
	}

	dispatcher := scheduler.NewDispatcher(handlers, int64(conf.Sync.Capacity), logger)
	if err := dispatcher.Subscribe(d.queue); err != nil {
		return fmt.Errorf("subscribe dispatcher: %w", err)
	}

	collectors := []prometheus.Collector{dispatcher, repoSync, fileSync, caches}
	if maintainer != nil {
		collectors = append(collectors, maintainer)
	}

	cursor := events.NewCursor(logger, conf.Node.Name, eventStore, events.NewPostgresPositionStore(d.db), d.factory.Handler(), eventLogBatchSize)
	collectors = append(collectors, cursor)

	primary := verification.NewCachedPrimaryChecksums(verification.NewPostgresPrimaryChecksums(d.mainDB), caches)
	if err := d.verificationLoops(primary); err != nil {
		return err
	}

	cursors := newCursorStore(d.db, d.redis)
	var services []scheduler.Executor
	for _, name := range d.names {
		def, _ := replicator.Lookup(name)
		service := consistency.NewService(
			name,
			consistency.NewModelSource(d.mainDB, def.ModelTable),
			consistency.NewRegistrySource(d.db, def.RegistryTable),
			d.registries[name],
			cursors,
			d.queue,
			conf.Consistency.BatchSize,
			logger,
		)
		collectors = append(collectors, service)
		services = append(services, service)
	}

	for _, c := range collectors {
		if err := d.promreg.Register(c); err != nil {
			return fmt.Errorf("register collector: %w", err)
		}
	}

	backlogInterval := conf.Sync.BacklogInterval.Duration()
	backlog := scheduler.NewBacklog(d.factory, d.names, d.queue, d.leases, conf.Sync.Capacity, 5*backlogInterval, nil, logger)
	syncSweeper := scheduler.NewSyncSweeper(d.factory, d.names, conf.Sync.Timeout.Duration(), conf.Sync.Capacity, d.policy, nil, logger)

	d.loops = append(d.loops,
		loopSpec{"event_log", eventLogInterval, func(ctx context.Context) (bool, error) {
			n, err := cursor.ProcessBatch(ctx)
			return n == eventLogBatchSize, err
		}},
		loopSpec{"sync_backlog", backlogInterval, backlog.Schedule},
		loopSpec{"sync_sweep", backlogInterval, scheduler.SweepTask(syncSweeper)},
		loopSpec{"registry_consistency", conf.Consistency.Interval.Duration(), scheduler.ConsistencyTask(services)},
	)

	return nil
}

func (d *daemon) runLoops(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	for _, ls := range d.loops {
		ls := ls
		loop := scheduler.NewLoop(logger, ls.name, ls.task)
		group.Go(func() error {
			if err := loop.Run(ctx, helper.NewJitteredTicker(ls.interval, loopJitter)); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", ls.name, err)
			}
			return nil
		})
	}

	logger.WithField("loops", len(d.loops)).Info("background loops started")

	return group.Wait()
}

// disabledHousekeeping drops housekeeping jobs enqueued before housekeeping
// was turned off.
type disabledHousekeeping struct{}

func (disabledHousekeeping) Execute(context.Context, string, int64, housekeeping.Task) (bool, error) {
	return false, nil
}

func openRedis(conf config.Redis) (redis.UniversalClient, error) {
	if !conf.Enabled() {
		return nil, nil
	}

	opts, err := redis.ParseURL(conf.URL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	if conf.Password != "" {
		opts.Password = conf.Password
	}
	if conf.DB != 0 {
		opts.DB = conf.DB
	}

	return redis.NewClient(opts), nil
}

func newLeaseStore(conf config.Lease, db *sql.DB, client redis.UniversalClient) (lease.Store, error) {
	switch conf.Store {
	case "memory":
		return lease.NewMemoryStore(nil), nil
	case "postgres":
		return lease.NewPostgresStore(db), nil
	case "redis":
		if client == nil {
			return nil, errors.New("redis lease store requires a redis client")
		}
		return lease.NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unsupported lease store: %q", conf.Store)
	}
}

func newCursorStore(db *sql.DB, client redis.UniversalClient) consistency.CursorStore {
	if client != nil {
		return consistency.NewRedisCursors(client)
	}
	return consistency.NewPostgresCursors(db)
}

func newCounterStore(db *sql.DB, client redis.UniversalClient) housekeeping.CounterStore {
	if client != nil {
		return housekeeping.NewRedisCounters(client)
	}
	return housekeeping.NewPostgresCounters(db)
}
