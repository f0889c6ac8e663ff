// Package logger builds the structured slog loggers shared by the gateway,
// the registry tooling and the event workers. Dev and staging use the text
// handler, prod emits JSON, and every record carries the environment name.
package logger
