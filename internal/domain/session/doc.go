// Package session serializes a tab's joint session history.
//
// Snapshots are JSON documents (encoded with bytedance/sonic) compressed with
// zstd. They carry URLs and titles only: live pipelines cannot be persisted,
// so a restored tab reloads its current entry.
//
// Components:
//   - Snapshot: the portable shape of one tab's history
//   - Encode/Decode: the wire codec
//   - Store: an in-memory cache of encoded snapshots keyed by SnapshotID
//
// Example Usage:
//
//	snap := session.FromEntries(top, entries, index)
//	data, err := session.Encode(snap)
//	restored, err := session.Decode(data)
package session
