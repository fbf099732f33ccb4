// Package migrations registers all schema migrations for the ledger and
// settings tables.
package migrations

import "github.com/uptrace/bun/migrate"

// Migrations holds all registered database migrations.
var Migrations = migrate.NewMigrations()
