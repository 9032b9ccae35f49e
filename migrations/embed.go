// Package migrations содержит SQL-схему удалённого хранилища.
package migrations

import "embed"

// FS хранит файлы миграций в лексикографическом порядке имён.
//
//go:embed *.sql
var FS embed.FS
