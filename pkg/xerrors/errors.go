// SPDX-License-Identifier: Apache-2.0

// Package xerrors collects the error kinds returned across the extraction
// pipeline. Each kind is its own struct implementing error, rather than a
// sentinel or wrapped string, so that cmd can recover the kind with a type
// switch and map it to a process exit code.
package xerrors

import "fmt"

// UsageError indicates the command was invoked with invalid flags or
// arguments, including a seed its table cannot satisfy.
type UsageError struct {
	Reason string
}

func (e UsageError) Error() string {
	return e.Reason
}

// ConnectionError wraps a failure to establish or configure the database
// connection (dial failure, auth failure, statement-timeout setup failure),
// or to open or clear the schema cache.
type ConnectionError struct {
	Reason string
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s", e.Reason)
}

// ReadOnlyEnforcementError is returned when the session could not be placed
// into (or verified to be in) read-only mode.
type ReadOnlyEnforcementError struct {
	Reason string
}

func (e ReadOnlyEnforcementError) Error() string {
	return fmt.Sprintf("could not enforce read-only session: %s", e.Reason)
}

// IntrospectionError wraps a failure querying the Postgres catalog.
type IntrospectionError struct {
	Reason string
}

func (e IntrospectionError) Error() string {
	return fmt.Sprintf("introspection error: %s", e.Reason)
}

// SchemaNotFound indicates a named seed table does not exist in the target
// database.
type SchemaNotFound struct {
	Schema string
	Table  string
}

func (e SchemaNotFound) Error() string {
	return fmt.Sprintf("table %q does not exist in schema %q", e.Table, e.Schema)
}

// InvalidFilter indicates a malformed --timeframe or --truncate value, or a
// filter naming a missing table or a column that is not a date/time type.
type InvalidFilter struct {
	Reason string
}

func (e InvalidFilter) Error() string {
	return fmt.Sprintf("invalid filter: %s", e.Reason)
}

// FetchError wraps a failure fetching rows for a table during traversal.
type FetchError struct {
	Table  string
	Reason string
}

func (e FetchError) Error() string {
	return fmt.Sprintf("failed to fetch rows for %q: %s", e.Table, e.Reason)
}

// DanglingReference indicates a foreign key value with no matching row was
// encountered and the run is configured to fail rather than skip.
type DanglingReference struct {
	FromTable string
	ToTable   string
	Value     string
}

func (e DanglingReference) Error() string {
	return fmt.Sprintf("dangling reference from %q to %q: %s", e.FromTable, e.ToTable, e.Value)
}

// CycleDetected indicates that a record the dependency sorter had to force
// in to break a cycle belongs to a table whose primary key would be
// remapped; the PK remapper cannot order such records.
type CycleDetected struct {
	Tables []string
}

func (e CycleDetected) Error() string {
	return fmt.Sprintf("cycle detected among tables: %v", e.Tables)
}

// OutputError wraps a failure writing the replay stream to its destination.
type OutputError struct {
	Reason string
}

func (e OutputError) Error() string {
	return fmt.Sprintf("output error: %s", e.Reason)
}

// Cancelled indicates the run was aborted via context cancellation, usually
// an interrupt signal.
type Cancelled struct{}

func (e Cancelled) Error() string {
	return "extraction cancelled"
}
