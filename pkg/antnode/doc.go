// Package antnode talks to the supervised antnode peer processes: it
// scrapes their HTTP metadata/metrics endpoints, invokes the antnode binary
// to read its version, and parses the argv of a systemd unit's ExecStart
// line. Every probe is bounded by a short timeout and treated as a soft
// fault (not an error the caller must abort on) when it fails, per the
// "HTTP probe refused / timed out -> node reported as STOPPED" rule.
package antnode
