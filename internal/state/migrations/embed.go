// Package migrations embeds the state store's SQL migration files so the
// binary carries its own schema and never depends on files present on the
// deployment host.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
