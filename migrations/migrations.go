// Package migrations embeds the schema migrations applied by
// `ehr-server migrate up`.
package migrations

import "embed"

// FS holds the NNN_name.sql files in version order.
//
//go:embed *.sql
var FS embed.FS
