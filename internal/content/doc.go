/*
Package content hosts documents in in-process event loops.

Each Loop owns a goroutine, an id allocator for its namespace and the
documents of every pipeline placed on it. Documents are parsed with goquery
and run their inline scripts in a goja VM whose host objects (document,
location, history, timers, alert) are translated into orchestrator messages.

A loop never calls back into the orchestrator synchronously: controls arrive
through a bounded inbox and replies leave through the loop's Outbox.

Two URLs exist for testing failure handling: about:crash panics the loop while
loading and about:hang blocks it until Exit.
*/
package content
