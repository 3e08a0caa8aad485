// Package dedupe suppresses the echo of events a client already applied locally,
// using a time-bounded cache of pending keys.
package dedupe
