/*
Package cache keeps remote metadata close to the kernel.

MetadataCache has two namespaces keyed by remote path, each with its own
time to live:

	attr   types.Attr of a single path             (cache_attr_s)
	dir    the full listing of a directory         (cache_dir_s)

Both are bounded LRUs from github.com/hashicorp/golang-lru/v2/expirable, so
an entry is dropped either when it expires or when the namespace is full.
A zero TTL turns the namespace off and every lookup misses, which is what
the git profile relies on.

# Coherence

The cache never refreshes itself. The volume invalidates around every
mutation it performs:

	create, mkdir, symlink, remove, rmdir   Invalidate(path, true)
	rename                                  source and destination, with parents
	write, setattr                          Invalidate(path, false) plus the parent listing
	reconnect                               InvalidateAll

Reads race with those mutations, so a fill is tagged with the generation
taken before its remote call and stored only if nothing it covers was
invalidated since:

	gen := c.Generation()
	attr, err := lstat(p)
	...
	c.PutAttrAt(gen, p, attr)

Changes made on the server by other clients become visible once the
affected entries expire.

# Usage

	c := cache.New(cache.Config{
		AttrTTL:    5 * time.Second,
		DirTTL:     5 * time.Second,
		MaxEntries: 100000,
	}, metrics)

	if attr, ok := c.GetAttr("/srv/data/file"); ok {
		return attr, nil
	}

Hits and misses are reported per namespace to the metrics collector and
summarized by Stats.
*/
package cache
