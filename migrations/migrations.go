// Package migrations holds the goose migrations for the play history database
package migrations

import (
	"embed"
)

//go:embed *.sql
var historyMigrations embed.FS

// GetMigrations returns the history schema. Files sit at the root of the FS so
// goose should be pointed at ".".
func GetMigrations() embed.FS {
	return historyMigrations
}
