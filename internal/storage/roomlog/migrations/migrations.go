// Package migrations embeds the room log schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
