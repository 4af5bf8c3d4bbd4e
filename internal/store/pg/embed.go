package pg

import "embed"

// Migrations holds the schema as NNNN_name.up.sql / .down.sql pairs.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// Seeds holds idempotent reference data applied after migrations.
//
//go:embed seeds/*.sql
var Seeds embed.FS
