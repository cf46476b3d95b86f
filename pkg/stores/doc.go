// Package stores persists run history. SQLiteStore keeps runs, group
// results, timeline events and an audit trail in a WAL-mode SQLite database
// migrated with golang-migrate. S3Archive uploads run reports as JSON to an
// S3 bucket. Both implement engine.ReportSink.
package stores
