package store

import "embed"

// sqlSchemas is an embedded file system containing the index's migration
// files, mirroring the teacher's sqlSchemas embed in internal/db/schemas.go.
//
//go:embed migrations/*.sql
var sqlSchemas embed.FS
