// Package imago provides asynchronous remote-image acquisition and caching:
// a bounded memory cache backed by a larger on-disk cache, a coalescing
// bounded-concurrency downloader, and a Manager that orchestrates the two
// behind a single cancellable Load call.
package imago
