// Package migrations embeds the forward-only SQL schema files so the binary
// can migrate on startup from any working directory.
package migrations

import "embed"

// FS holds every numbered .sql file in this directory, applied in
// lexicographic order and tracked in schema_migrations.
//
//go:embed *.sql
var FS embed.FS
