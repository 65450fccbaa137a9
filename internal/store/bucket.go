package store

import "bytes"

var separator = []byte("/")

// Key combines a bucket path and a suffix into a single full database
// key. Keys are cheap value-like handles; they do not themselves
// allocate until Bytes or String is called.
type Key struct {
	prefix, suffix []byte
}

// NewKey builds a Key from a raw prefix and suffix.
func NewKey(prefix, suffix []byte) Key {
	return Key{prefix: prefix, suffix: suffix}
}

// Bytes returns the full on-disk key: prefix concatenated with
// suffix.
func (k Key) Bytes() []byte {
	full := make([]byte, len(k.prefix)+len(k.suffix))
	copy(full, k.prefix)
	copy(full[len(k.prefix):], k.suffix)
	return full
}

// Suffix returns the portion of the key after the bucket path, e.g.
// the state hash trailing a by-height secondary key.
func (k Key) Suffix() []byte {
	return k.suffix
}

func (k Key) String() string {
	return string(k.Bytes())
}

// Bucket is a logical namespace (column family) within the KV store,
// expressed as a byte-string path prefix since the underlying engine
// (goleveldb) has no native column-family concept.
type Bucket struct {
	path [][]byte
}

// MakeBucket creates a top-level or nested Bucket from a path of
// path segments.
func MakeBucket(path ...[]byte) Bucket {
	return Bucket{path: path}
}

// Bucket returns the sub-bucket of the current bucket identified by
// bucketBytes.
func (b Bucket) Bucket(bucketBytes []byte) Bucket {
	newPath := make([][]byte, len(b.path)+1)
	copy(newPath, b.path)
	newPath[len(b.path)] = bucketBytes
	return Bucket{path: newPath}
}

// Key returns the key for suffix within this bucket.
func (b Bucket) Key(suffix []byte) Key {
	return NewKey(b.Path(), suffix)
}

// Path returns the full byte-string prefix identifying this bucket,
// always terminated by the separator so that no bucket's path is a
// prefix of a sibling bucket's path.
func (b Bucket) Path() []byte {
	joined := bytes.Join(b.path, separator)
	path := make([]byte, len(joined)+len(separator))
	copy(path, joined)
	copy(path[len(joined):], separator)
	return path
}
