// Package migrations holds the Postgres schema for the audit log and read
// models, applied in filename order by persistence.Migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
