// Package dedupe provides a TTL cache used to answer retried requests from
// the result of their first attempt instead of running them again.
package dedupe
