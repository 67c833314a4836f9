package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/gitlab-org/geo/internal/geo/config"
	"gitlab.com/gitlab-org/geo/internal/geo/datastore/glsql"
)

const (
	sqlPingCmdName          = "sql-ping"
	sqlMigrateCmdName       = "sql-migrate"
	sqlMigrateStatusCmdName = "sql-migrate-status"
	sqlMigrateDownCmdName   = "sql-migrate-down"
)

type sqlPingSubcommand struct{}

func (s *sqlPingSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(sqlPingCmdName, flag.ExitOnError)
}

func (s *sqlPingSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	const subCmd = progname + " " + sqlPingCmdName

	for _, db := range []struct {
		name string
		conf config.DB
	}{
		{"tracking database", conf.DB},
		{"main database", conf.MainDatabase()},
	} {
		_, clean, err := openDB(db.conf)
		if err != nil {
			return fmt.Errorf("%s: %s: fail: %v", subCmd, db.name, err)
		}
		clean()
	}

	fmt.Printf("%s: OK\n", subCmd)
	return nil
}

type sqlMigrateSubcommand struct {
	w             io.Writer
	ignoreUnknown bool
}

func newSQLMigrateSubCommand(writer io.Writer) *sqlMigrateSubcommand {
	return &sqlMigrateSubcommand{w: writer}
}

func (cmd *sqlMigrateSubcommand) FlagSet() *flag.FlagSet {
	flags := flag.NewFlagSet(sqlMigrateCmdName, flag.ExitOnError)
	flags.BoolVar(&cmd.ignoreUnknown, "ignore-unknown", true, "ignore unknown migrations (default is true)")
	return flags
}

func (cmd *sqlMigrateSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	const subCmd = progname + " " + sqlMigrateCmdName

	db, clean, err := openDB(conf.DB)
	if err != nil {
		return err
	}
	defer clean()

	n, err := glsql.Migrate(db, cmd.ignoreUnknown)
	if err != nil {
		return fmt.Errorf("%s: fail: %v", subCmd, err)
	}

	fmt.Fprintf(cmd.w, "%s: OK (applied %d migrations)\n", subCmd, n)
	return nil
}

type sqlMigrateStatusSubcommand struct {
	w io.Writer
}

func newSQLMigrateStatusSubCommand(writer io.Writer) *sqlMigrateStatusSubcommand {
	return &sqlMigrateStatusSubcommand{w: writer}
}

func (*sqlMigrateStatusSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(sqlMigrateStatusCmdName, flag.ExitOnError)
}

func (cmd *sqlMigrateStatusSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	db, clean, err := openDB(conf.DB)
	if err != nil {
		return err
	}
	defer clean()

	migrations, err := glsql.MigrateStatus(db)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(cmd.w)
	table.SetHeader([]string{"Migration", "Applied"})
	table.SetColWidth(60)

	// Display the rows in order of name
	var keys []string
	for k := range migrations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		m := migrations[k]
		applied := "no"

		if m.Unknown {
			applied = "unknown migration"
		} else if m.Migrated {
			applied = m.AppliedAt.String()
		}

		table.Append([]string{k, applied})
	}

	table.Render()

	return nil
}

type sqlMigrateDownSubcommand struct {
	w     io.Writer
	force bool
}

func newSQLMigrateDownSubCommand(writer io.Writer) *sqlMigrateDownSubcommand {
	return &sqlMigrateDownSubcommand{w: writer}
}

func (cmd *sqlMigrateDownSubcommand) FlagSet() *flag.FlagSet {
	flags := flag.NewFlagSet(sqlMigrateDownCmdName, flag.ExitOnError)
	flags.Usage = func() {
		printfErr("Usage: %s %s [-f] <max>\n", progname, sqlMigrateDownCmdName)
		flags.PrintDefaults()
	}
	flags.BoolVar(&cmd.force, "f", false, "apply down-migrations (default is dry run)")
	return flags
}

func (cmd *sqlMigrateDownSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	if flags.NArg() != 1 {
		flags.Usage()
		return errors.New("invalid usage")
	}

	max, err := strconv.Atoi(flags.Arg(0))
	if err != nil {
		return err
	}
	if max <= 0 {
		return errors.New("number of migrations to roll back must be 1 or more")
	}

	db, clean, err := openDB(conf.DB)
	if err != nil {
		return err
	}
	defer clean()

	if cmd.force {
		n, err := glsql.MigrateDown(db, max)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.w, "OK (applied %d \"down\" migrations)\n", n)
		return nil
	}

	planned, err := glsql.MigrateDownPlan(db, max)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.w, "DRY RUN -- would roll back:\n\n")
	for _, id := range planned {
		fmt.Fprintf(cmd.w, "- %s\n", id)
	}
	fmt.Fprintf(cmd.w, "\nTo apply these migrations run with -f\n")

	return nil
}
