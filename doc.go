// Package pglock provides application-level coordination primitives built on
// PostgreSQL's native locking facilities: named advisory locks at session or
// transaction granularity, whole-relation locks, scoped lock-wait timeouts,
// and a background prioritization worker that terminates database activity
// blocking a protected code region.
//
// All primitives operate through a Session, which pins a single database
// connection. Session-level advisory locks and the lock_timeout parameter are
// connection-scoped in Postgres, so acquiring on one pooled connection and
// releasing on another would silently do nothing.
package pglock
