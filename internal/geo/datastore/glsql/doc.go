// Package glsql provides integration with the Geo tracking database. It
// contains a set of functions and structures that help to interact with the
// database and to write tests to check it.

// Unit tests use the in-memory stores and do not require any additional
// dependencies. Tests guarded by the postgres build tag require a running
// Postgres database instance, configured with the PGHOST, PGPORT and PGUSER
// environment variables:
//
// $ PGHOST=<host of db instance> \
//   PGPORT=<port of db instance> \
//   PGUSER=postgres \
//   go test -tags postgres \
//    -count=1 \
//    gitlab.com/gitlab-org/geo/internal/geo/...
//
// NOTE: queries must not rely on prepared statements so the database can be
// reached through pgbouncer with transaction pooling.

package glsql
