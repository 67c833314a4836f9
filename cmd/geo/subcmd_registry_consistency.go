package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"gitlab.com/gitlab-org/geo/internal/geo/config"
	"gitlab.com/gitlab-org/geo/internal/geo/consistency"
	"gitlab.com/gitlab-org/geo/internal/geo/jobqueue"
	"gitlab.com/gitlab-org/geo/internal/geo/registry"
	"gitlab.com/gitlab-org/geo/internal/geo/replicator"
	"gitlab.com/gitlab-org/geo/internal/geo/scheduler"
	"go.uber.org/multierr"
)

const registryConsistencyCmdName = "registry-consistency"

type registryConsistencySubcommand struct {
	w          io.Writer
	replicable string
}

func newRegistryConsistencySubcommand(w io.Writer) *registryConsistencySubcommand {
	return &registryConsistencySubcommand{w: w}
}

func (cmd *registryConsistencySubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(registryConsistencyCmdName, flag.ExitOnError)
	fs.StringVar(&cmd.replicable, "replicable", "", "name of the replicable to backfill")
	fs.Usage = func() {
		printfErr("Usage of %s:\n", registryConsistencyCmdName)
		fs.PrintDefaults()
	}
	return fs
}

func (cmd *registryConsistencySubcommand) Exec(flags *flag.FlagSet, conf config.Config) (err error) {
	def, ok := replicator.Lookup(cmd.replicable)
	if !ok {
		flags.Usage()
		return fmt.Errorf("%w: %q", replicator.ErrUnknownReplicable, cmd.replicable)
	}

	if conf.IsPrimary() {
		return errors.New("registries are only tracked on secondaries")
	}

	db, clean, err := openDB(conf.DB)
	if err != nil {
		return err
	}
	defer clean()

	mainDB, cleanMain, err := openDB(conf.MainDatabase())
	if err != nil {
		return err
	}
	defer cleanMain()

	redisClient, err := openRedis(conf.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer func() { err = multierr.Append(err, redisClient.Close()) }()
	}

	queue, err := jobqueue.New(logger, conf.Queue, redisClient)
	if err != nil {
		return fmt.Errorf("job queue: %w", err)
	}
	defer func() { err = multierr.Append(err, queue.Close()) }()

	if conf.Queue.Type == jobqueue.TypeMemory {
		fmt.Fprintf(cmd.w, "warning: the memory queue is configured, orphaned registries are reported but not removed\n")
	}

	store := registry.NewPostgresStore(db, def.RegistryTable)
	service := consistency.NewService(
		def.Name,
		consistency.NewModelSource(mainDB, def.ModelTable),
		consistency.NewRegistrySource(db, def.RegistryTable),
		store,
		newCursorStore(db, redisClient),
		queue,
		conf.Consistency.BatchSize,
		logger,
	)

	ctx := context.Background()

	var runs int
	for ; runs < scheduler.DefaultMaxRuns; runs++ {
		changed, err := service.Execute(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", registryConsistencyCmdName, err)
		}
		if !changed {
			break
		}
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.w, "%s: %d runs, %d registries tracked for %s\n", registryConsistencyCmdName, runs+1, counts.Registry, def.Name)
	return nil
}
