// Package crawler walks the remote listing hierarchy (frequency, category,
// instrument, optional timeframe) and produces a complete catalog snapshot.
//
// Each level fans out with its own bounded errgroup; every listing request
// passes through one shared gate that caps in-flight requests and spaces
// request starts. The first error cancels all sibling work and no partial
// tree is ever returned.
package crawler
