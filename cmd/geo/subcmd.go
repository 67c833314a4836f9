package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"gitlab.com/gitlab-org/geo/internal/geo/config"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
)

type subcmd interface {
	FlagSet() *flag.FlagSet
	Exec(flags *flag.FlagSet, config config.Config) error
}

const defaultOpenTimeout = 30 * time.Second

var subcommands = map[string]subcmd{
	sqlPingCmdName:             &sqlPingSubcommand{},
	sqlMigrateCmdName:          newSQLMigrateSubCommand(os.Stdout),
	sqlMigrateStatusCmdName:    newSQLMigrateStatusSubCommand(os.Stdout),
	sqlMigrateDownCmdName:      newSQLMigrateDownSubCommand(os.Stdout),
	registryConsistencyCmdName: newRegistryConsistencySubcommand(os.Stdout),
	publishCmdName:             newPublishSubcommand(os.Stdout),
}

// subCommand returns an exit code, to be fed into os.Exit.
func subCommand(conf config.Config, arg0 string, argRest []string) int {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		<-interrupt
		os.Exit(130) // indicates program was interrupted
	}()

	subcmd, ok := subcommands[arg0]
	if !ok {
		printfErr("%s: unknown subcommand: %q\n", progname, arg0)
		return 1
	}

	flags := subcmd.FlagSet()

	if err := flags.Parse(argRest); err != nil {
		printfErr("%s\n", err)
		return 1
	}

	if err := subcmd.Exec(flags, conf); err != nil {
		printfErr("%s\n", err)
		return 1
	}

	return 0
}

func openDB(conf config.DB) (*sql.DB, func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultOpenTimeout)
	defer cancel()

	db, err := glsql.OpenDB(ctx, conf)
	if err != nil {
		return nil, nil, fmt.Errorf("sql open: %v", err)
	}

	clean := func() {
		if err := db.Close(); err != nil {
			printfErr("sql close: %v\n", err)
		}
	}

	return db, clean, nil
}

func printfErr(format string, a ...interface{}) (int, error) {
	return fmt.Fprintf(os.Stderr, format, a...)
}
