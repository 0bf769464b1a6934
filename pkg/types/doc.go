// Package types holds the outcome and query-log record types shared by the
// engine, the query log and the CLI, HTTP and NATS front-ends. They carry
// JSON tags so every front-end emits the same shape.
package types
