package directory

import _ "embed"

// Schema is the directory DDL, applied by cmd/migrate.
//
//go:embed schema.sql
var Schema string
