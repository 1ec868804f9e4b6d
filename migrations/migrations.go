// Package migrations holds the SQL schema applied by the server, the seeder and the store tests.
package migrations

import "embed"

// FS contains the ordered *.sql migrations
//
//go:embed *.sql
var FS embed.FS
