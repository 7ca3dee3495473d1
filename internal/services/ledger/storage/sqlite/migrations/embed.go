// Package migrations embeds the SQL schema of the sqlite ledger backend.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
