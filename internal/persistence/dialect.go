package persistence

import (
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect captures the few places where PostgreSQL and SQLite SQL differ.
type Dialect struct {
	Name        string // migrations subdirectory
	Driver      string // database/sql driver name
	placeholder func(n int) string
}

var (
	Postgres = Dialect{
		Name:        "postgres",
		Driver:      "postgres",
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}
	SQLite = Dialect{
		Name:        "sqlite",
		Driver:      "sqlite3",
		placeholder: func(int) string { return "?" },
	}
)

// DialectFor resolves a configured store driver name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported sql driver %q", name)
	}
}

// Ph returns the n-th (1-based) bind placeholder.
func (d Dialect) Ph(n int) string { return d.placeholder(n) }

// escapeLike escapes LIKE metacharacters so a prefix matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
