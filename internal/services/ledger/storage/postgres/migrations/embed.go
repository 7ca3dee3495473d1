// Package migrations embeds the golang-migrate schema of the postgres ledger
// backend.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
