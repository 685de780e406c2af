// Package manager ties a cache.Store to a downloader.Downloader: it consults
// the memory then disk tier, asks the Delegate whether to download on a miss,
// suppresses URLs that failed before (the blacklist), collapses concurrent
// fetches of one cache key into a single network operation and implements the
// "deliver cached, then revalidate" refresh protocol.
package manager
