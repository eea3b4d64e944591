// Package migrations contains embedded SQL migrations for the SQLite store.
package migrations

import "embed"

// FS holds the event log read-model schema under the "eventlog" root.
//
//go:embed eventlog/*.sql
var FS embed.FS

// Root is the directory inside FS that holds migration files.
const Root = "eventlog"
