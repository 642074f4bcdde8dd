// Package migrations embeds the SQL schema applied by goose at startup
// when the postgres backend is selected.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
