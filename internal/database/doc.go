// Package database builds the PostgreSQL connection pool shared by the
// history writer and the postgres token store.
package database
