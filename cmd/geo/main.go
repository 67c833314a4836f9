// Command geo runs the replication and verification daemon of a GitLab Geo
// site.
//
// On a secondary the daemon follows the event log of the primary, syncs
// repositories and blobs, verifies them against the primary's checksums and
// backfills missing registries. On the primary it computes the checksums the
// secondaries compare against.
//
// Additionally, geo has subcommands for common tasks:
//
// SQL Ping
//
// The subcommand "sql-ping" checks if the tracking database configured in the
// config file is reachable:
//
//     geo -config PATH_TO_CONFIG sql-ping
//
// SQL Migrate
//
// The subcommand "sql-migrate" will apply any outstanding SQL migrations.
//
//     geo -config PATH_TO_CONFIG sql-migrate [-ignore-unknown=true|false]
//
// The subcommand "sql-migrate-status" will show which SQL migrations have
// been applied and which ones have not:
//
//     geo -config PATH_TO_CONFIG sql-migrate-status
//
// The subcommand "sql-migrate-down" rolls back the given number of
// migrations. Without -f it only prints what would be rolled back:
//
//     geo -config PATH_TO_CONFIG sql-migrate-down [-f] <max>
//
// Registry Consistency
//
// The subcommand "registry-consistency" runs the registry backfill of a
// replicable until the registry table matches the model table:
//
//     geo -config PATH_TO_CONFIG registry-consistency -replicable <name>
//
// Publish
//
// The subcommand "publish" records a change of a resource in the event log of
// the primary so the secondaries replicate it:
//
//     geo -config PATH_TO_CONFIG publish -replicable <name> -id <id> [-event updated] [-payload JSON]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/config"
	"gitlab.com/gitlab-org/geo/internal/log"
	"gitlab.com/gitlab-org/geo/internal/version"
	"gitlab.com/gitlab-org/labkit/monitoring"
	"gitlab.com/gitlab-org/labkit/tracing"
)

var (
	flagConfig  = flag.String("config", "", "Location for the config.toml")
	flagVersion = flag.Bool("version", false, "Print version and exit")
	logger      = log.Default()

	errNoConfigFile = errors.New("the config flag must be passed")
)

const progname = "geo"

func main() {
	flag.Usage = func() {
		cmds := []string{}
		for k := range subcommands {
			cmds = append(cmds, k)
		}

		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
		printfErr("  subcommand (optional)\n")
		printfErr("\tOne of %s\n", strings.Join(cmds, ", "))
	}
	flag.Parse()

	if *flagVersion {
		fmt.Println(version.GetVersionString())
		os.Exit(0)
	}

	conf, err := initConfig()
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	log.Configure(log.Loggers, conf.Logging.Format, conf.Logging.Level)

	if args := flag.Args(); len(args) > 0 {
		os.Exit(subCommand(conf, args[0], args[1:]))
	}

	configure(conf)

	logger.WithFields(logrus.Fields{
		"version": version.GetVersionString(),
		"node":    conf.Node.Name,
		"role":    conf.Node.Role,
	}).Info("Starting " + progname)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = run(ctx, conf, prometheus.DefaultRegisterer)
	sentry.Flush(2 * time.Second)
	if err != nil {
		logger.Fatalf("%v", err)
	}

	logger.Info("stopped " + progname)
}

func initConfig() (config.Config, error) {
	var conf config.Config

	if *flagConfig == "" {
		return conf, errNoConfigFile
	}

	conf, err := config.FromFile(*flagConfig)
	if err != nil {
		return conf, fmt.Errorf("error reading config file: %v", err)
	}

	if err := conf.Validate(); err != nil {
		return config.Config{}, err
	}

	return conf, nil
}

func configure(conf config.Config) {
	tracing.Initialize(tracing.WithServiceName(progname))

	configureSentry(version.GetVersion(), conf.Sentry)

	if conf.PrometheusListenAddr != "" {
		logger.WithField("address", conf.PrometheusListenAddr).Info("Starting prometheus listener")

		go func() {
			if err := monitoring.Start(
				monitoring.WithListenerAddress(conf.PrometheusListenAddr),
				monitoring.WithBuildInformation(version.GetVersion(), version.GetBuildTime())); err != nil {
				logger.WithError(err).Errorf("Unable to start prometheus listener: %v", conf.PrometheusListenAddr)
			}
		}()
	}
}

func configureSentry(ver string, conf config.Sentry) {
	if conf.DSN == "" {
		return
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         conf.DSN,
		Environment: conf.Environment,
		Release:     "v" + ver,
	}); err != nil {
		logger.WithError(err).Warn("Unable to initialize sentry client")
		return
	}

	logger.Debug("Using sentry logging")
}
