// Package downloader runs network fetches as cancellable Operations on a
// bounded scheduler. Pending operations are admitted in FIFO or LIFO order
// (low priority always behind normal priority) up to MaxConcurrentDownloads;
// an admitted operation reports progress, optional partial payloads and
// exactly one terminal outcome: completion, failure or cancellation.
package downloader
