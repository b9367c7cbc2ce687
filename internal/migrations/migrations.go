// Package migrations embeds the goose SQL migrations for the queue database.
package migrations

import "embed"

//go:embed sql/*.sql
var FS embed.FS

// Dir is the path inside FS that goose should walk.
const Dir = "sql"
