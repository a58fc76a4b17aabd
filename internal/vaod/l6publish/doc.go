// Package l6publish hands filter estimates to readers: an atomically
// swapped latest snapshot, newest-wins subscriber mailboxes, the bus
// packet codec, and a read-only gRPC state service.
package l6publish
