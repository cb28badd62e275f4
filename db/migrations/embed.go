// Package dbmigrations exposes the embedded journal schema migrations.
package dbmigrations

import "embed"

// Files contains the SQL migrations bundled into trader binaries.
//
//go:embed *.sql
var Files embed.FS
