// Package dedupe fingerprints inbound messages and tracks them in a
// TTL-bounded cache so the same message is never processed twice within the
// dedup window.
package dedupe
