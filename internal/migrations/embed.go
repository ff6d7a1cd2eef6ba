// Package migrations embeds the goose migrations for the per-user index
// database.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
