// Package mysql persists verification history and the auth catalogue in MySQL.
// It encapsulates embedded schema migrations and strongly typed queries for
// persisting verification history and the authentication account catalogue,
// plus a JSON-lines memory repository used when no database is configured.
package mysql
