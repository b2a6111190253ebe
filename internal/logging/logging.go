// SPDX-License-Identifier: Apache-2.0

// Package logging provides the leveled logger used across the extraction
// pipeline, backed by pterm and disabled by default.
package logging

import (
	"github.com/pterm/pterm"
)

// Logger is responsible for narrating one run: introspection progress,
// traversal batches, warnings, and the final summary.
type Logger interface {
	LogIntrospectionStart(schema string)
	LogIntrospectionComplete(schema string, tableCount int)

	LogTraversalBatch(table string, rowCount, depth int)
	LogDanglingReference(fromTable, toTable string)

	LogSortComplete(recordCount int, cycleCount int)
	LogReplayComplete(recordCount int)

	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

type logger struct {
	p pterm.Logger
}

type noopLogger struct{}

// New returns a Logger backed by pterm.DefaultLogger, filtered to level
// (one of "debug", "info", "warn", "error"). An unrecognised or empty level
// yields a no-op logger, matching the CLI's disabled-by-default contract.
func New(level string) Logger {
	lv, ok := parseLevel(level)
	if !ok {
		return &noopLogger{}
	}
	return &logger{p: pterm.DefaultLogger.WithLevel(lv)}
}

func parseLevel(level string) (pterm.LogLevel, bool) {
	switch level {
	case "debug":
		return pterm.LogLevelDebug, true
	case "info":
		return pterm.LogLevelInfo, true
	case "warn":
		return pterm.LogLevelWarn, true
	case "error":
		return pterm.LogLevelError, true
	default:
		return 0, false
	}
}

func (l *logger) LogIntrospectionStart(schema string) {
	l.p.Info("introspecting schema", l.p.Args("schema", schema))
}

func (l *logger) LogIntrospectionComplete(schema string, tableCount int) {
	l.p.Info("introspection complete", l.p.Args("schema", schema, "tables", tableCount))
}

func (l *logger) LogTraversalBatch(table string, rowCount, depth int) {
	l.p.Debug("fetched batch", l.p.Args("table", table, "rows", rowCount, "depth", depth))
}

func (l *logger) LogDanglingReference(fromTable, toTable string) {
	l.p.Warn("dangling reference", l.p.Args("from", fromTable, "to", toTable))
}

func (l *logger) LogSortComplete(recordCount, cycleCount int) {
	l.p.Info("dependency sort complete", l.p.Args("records", recordCount, "cycles_broken", cycleCount))
}

func (l *logger) LogReplayComplete(recordCount int) {
	l.p.Info("replay stream written", l.p.Args("records", recordCount))
}

func (l *logger) Warn(msg string, args ...any) {
	l.p.Warn(msg, l.p.Args(args))
}

func (l *logger) Info(msg string, args ...any) {
	l.p.Info(msg, l.p.Args(args))
}

func (n *noopLogger) LogIntrospectionStart(schema string)                  {}
func (n *noopLogger) LogIntrospectionComplete(schema string, count int)    {}
func (n *noopLogger) LogTraversalBatch(table string, rowCount, depth int)  {}
func (n *noopLogger) LogDanglingReference(fromTable, toTable string)       {}
func (n *noopLogger) LogSortComplete(recordCount, cycleCount int)          {}
func (n *noopLogger) LogReplayComplete(recordCount int)                   {}
func (n *noopLogger) Warn(msg string, args ...any)                        {}
func (n *noopLogger) Info(msg string, args ...any)                        {}
