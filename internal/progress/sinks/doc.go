// Package sinks holds the progress.Sink implementations the service wires
// into its page activity hub.
package sinks
