// Package dedupe provides a TTL- and size-bounded seen-set used to
// drop retransmitted chat messages.
package dedupe
