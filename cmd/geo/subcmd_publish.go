package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"gitlab.com/gitlab-org/geo/internal/geo/config"
	"gitlab.com/gitlab-org/geo/internal/geo/events"
	"gitlab.com/gitlab-org/geo/internal/geo/replicator"
)

const publishCmdName = "publish"

type publishSubcommand struct {
	w          io.Writer
	replicable string
	id         int64
	event      string
	payload    string
}

func newPublishSubcommand(w io.Writer) *publishSubcommand {
	return &publishSubcommand{w: w}
}

func (cmd *publishSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(publishCmdName, flag.ExitOnError)
	fs.StringVar(&cmd.replicable, "replicable", "", "name of the replicable that changed")
	fs.Int64Var(&cmd.id, "id", 0, "model record id of the changed resource")
	fs.StringVar(&cmd.event, "event", events.Updated, "event to record: created, updated or deleted")
	fs.StringVar(&cmd.payload, "payload", "", "optional JSON object passed along with the event")
	fs.Usage = func() {
		printfErr("Usage of %s:\n", publishCmdName)
		fs.PrintDefaults()
	}
	return fs
}

// parse validates the flags and returns the decoded payload.
func (cmd *publishSubcommand) parse() (replicator.Definition, events.Payload, error) {
	def, ok := replicator.Lookup(cmd.replicable)
	if !ok {
		return replicator.Definition{}, nil, fmt.Errorf("%w: %q", replicator.ErrUnknownReplicable, cmd.replicable)
	}

	if cmd.id < 1 {
		return replicator.Definition{}, nil, errors.New("model record id must be 1 or more")
	}

	if !def.Supports(cmd.event) {
		return replicator.Definition{}, nil, fmt.Errorf("%w: %s does not publish %q", replicator.ErrUnsupportedEvent, def.Name, cmd.event)
	}

	var payload events.Payload
	if cmd.payload != "" {
		if err := json.Unmarshal([]byte(cmd.payload), &payload); err != nil {
			return replicator.Definition{}, nil, fmt.Errorf("invalid payload: %w", err)
		}
	}

	return def, payload, nil
}

func (cmd *publishSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	def, payload, err := cmd.parse()
	if err != nil {
		flags.Usage()
		return err
	}

	if !conf.IsPrimary() {
		return errors.New("events are only published on the primary")
	}

	if !conf.Primary.HasSecondaries || !conf.ReplicableEnabled(def.Name) {
		fmt.Fprintf(cmd.w, "%s: nothing to replicate for %s, no event recorded\n", publishCmdName, def.Name)
		return nil
	}

	mainDB, clean, err := openDB(conf.MainDatabase())
	if err != nil {
		return err
	}
	defer clean()

	factory := replicator.NewFactory(conf, events.NewPostgresStore(mainDB), replicator.PostgresRegistries(mainDB), nil, logger)

	r, err := factory.For(def.Name, cmd.id)
	if err != nil {
		return err
	}

	if err := r.Publish(context.Background(), cmd.event, payload); err != nil {
		return fmt.Errorf("%s: %w", publishCmdName, err)
	}

	fmt.Fprintf(cmd.w, "%s: recorded %s event of %s %d\n", publishCmdName, cmd.event, def.Name, cmd.id)
	return nil
}
