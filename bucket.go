package thunder

import "bytes"

// Internal key space prefixes. Bucket metadata and
// bucket data each get their own single-byte prefix; a third prefix holds
// keys written through the database's own (non-bucket) put/get, keeping
// all three namespaces disjoint and lexicographically ordered by prefix.
const (
	prefixBucketMeta byte = 0x00
	prefixBucketData byte = 0x01
	prefixGlobal     byte = 0x02

	maxBucketNameLen = 255
)

// validateBucketName requires a non-empty name of at most 255 bytes.
func validateBucketName(name string) error {
	if len(name) == 0 || len(name) > maxBucketNameLen {
		return ErrInvalidBucketName
	}
	return nil
}

// globalKey maps a top-level user key into the internal key space.
func globalKey(key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = prefixGlobal
	copy(out[1:], key)
	return out
}

// bucketMetaKey maps a bucket name to its metadata record's internal key.
func bucketMetaKey(name string) []byte {
	out := make([]byte, 2+len(name))
	out[0] = prefixBucketMeta
	out[1] = byte(len(name))
	copy(out[2:], name)
	return out
}

// bucketDataPrefix returns the internal key prefix shared by every data
// key belonging to bucket name; used both to build a full data key and to
// bound a range scan over the bucket.
func bucketDataPrefix(name string) []byte {
	out := make([]byte, 2+len(name))
	out[0] = prefixBucketData
	out[1] = byte(len(name))
	copy(out[2:], name)
	return out
}

// bucketDataKey maps (bucket name, user key) to its internal key.
func bucketDataKey(name string, key []byte) []byte {
	prefix := bucketDataPrefix(name)
	out := make([]byte, len(prefix)+len(key))
	copy(out, prefix)
	copy(out[len(prefix):], key)
	return out
}

// bucketDataPrefixUpperBound returns the exclusive upper bound of the byte
// range covered by every key sharing prefix, for use as a Range's upper
// Bound when scanning a single bucket (or the whole bucket-meta space).
func bucketDataPrefixUpperBound(prefix []byte) []byte {
	out := append([]byte{}, prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	// prefix was all 0xFF bytes; no finite upper bound exists, caller
	// should treat this as unbounded instead.
	return nil
}

// stripPrefix removes prefix from key, used when reporting bucket-scoped
// iteration results back with only the user-supplied key suffix.
func stripPrefix(key, prefix []byte) []byte {
	if !bytes.HasPrefix(key, prefix) {
		return nil
	}
	return key[len(prefix):]
}
