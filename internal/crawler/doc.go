// Package crawler defines the core types shared by the learning-bits
// pipeline: crawled pages, learning bits, cross references, crawl
// configuration, typed errors, and the narrow store interface every
// persistence backend implements.
package crawler
