package db

import "embed"

// MigrationFS embeds the SQL migrations for users, user_sessions and refresh_tokens.
// Applied by internal/db/migrate (cmd/migrate).
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
