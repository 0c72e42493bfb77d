package migrations

import "embed"

// FS holds the goose SQL migrations for the fulfillment schema.
//
//go:embed *.sql
var FS embed.FS
