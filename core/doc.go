// Package core provides the foundational domain records and interfaces used
// by assistantmesh. It defines the plain data types exchanged between the
// orchestration components:
//
//   - Threads (provider issued conversation containers)
//   - Runs (one execution of an assistant against a thread) and their status machine
//   - Tool calls / tool outputs produced while a run requires action
//   - Messages persisted into the conversation store
//   - Stream events relayed to callers during streaming sessions
//
// No type in this package holds a live handle to a remote object; components
// pass records and identifiers explicitly. Persistence, provider access and
// orchestration live in other packages and depend on the small interfaces
// declared here (ConversationStore, MessageSearcher, ThreadIndex).
package core
