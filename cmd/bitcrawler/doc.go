// Package main runs the learning-bits crawler service: it loads configuration,
// builds the job manager, fetchers and stores, and serves the HTTP API until
// SIGINT or SIGTERM.
//
// Usage:
//
//	bitcrawler -config config.yaml
//
// Every setting may also be supplied through CRAWLER_* environment
// variables.
package main
