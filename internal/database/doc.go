// Package database opens the PostgreSQL pool used by the changelog sink and
// owns the changelog table schema.
package database
