// Package conversation contains concrete conversation stores. The store
// contracts (core.ConversationStore, core.MessageSearcher, core.ThreadIndex)
// live in the core package; depend on those and pick an implementation at
// wiring time.
//
// Three backends are provided:
//
//   - InMemoryStore in this package, for tests and single-process demos
//   - conversation/bolt, an embedded bbolt file
//   - conversation/postgres, a pgx connection pool
//
// Every backend answers searches most recent first and treats inserts of an
// already stored message id as a no-op, so retried persistence never
// duplicates history.
package conversation
