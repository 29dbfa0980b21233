package db

import "embed"

// MigrationFS embeds SQL migration files from internal/platform/db/migrations.
// Used by cmd/migrate and the integration test containers.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
