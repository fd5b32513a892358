// Package migrations embeds the SQL migration files applied at startup
// when the Postgres storage driver is selected.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
