// Package engine implements the run orchestration layer of assistantmesh.
//
// The Engine takes one caller turn through the assistants protocol of a
// remote provider:
//
//	ThreadManager -> MessagePoster -> RunLauncher -> CompletionDriver
//	                                                  |  (tool dispatch, zero or more episodes)
//	                                                  v
//	                           ResponseExtractor (polling) / streaming relay
//	                                                  |
//	                                                  v
//	                                         ConversationStore
//
// # Completion drivers
//
// Two CompletionDriver implementations share the tool dispatcher and the
// provider.Normalize event vocabulary:
//
//   - PollingDriver re-fetches the run status with an injected Clock until
//     the run is terminal, bounded by an attempt budget. requires_action
//     episodes are dispatched and submitted as one batch.
//   - StreamingDriver consumes a provider feed one event at a time,
//     forwarding deltas immediately and persisting each completed assistant
//     message inline. A session always ends with exactly one stream.ended
//     or error event.
//
// # Active runs
//
// A RunGuard admits one in-flight run per thread. A second request for the
// same thread fails with core.ErrRunActive instead of being queued.
//
// # Callbacks
//
// A CallbackManager exposes lifecycle hooks (before_run, after_run,
// on_status_change, before_dispatch, after_dispatch, on_error). Only
// before_run can reject a turn.
//
// # Example
//
//	registry, _ := tool.NewRegistry(tool.NewSearchMessagesTool(store))
//	eng := engine.New(func(o *engine.Options) {
//	    o.Provider = prov
//	    o.Tools = registry
//	    o.Store = store
//	})
//
//	resp, err := eng.Chat(ctx, engine.ChatRequest{AssistantID: "general-assistant", Message: "hello"})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(resp.Reply, resp.ThreadID)
package engine
