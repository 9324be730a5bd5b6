// Package migrations embeds the SQL migrations for the transfer journal.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
