package history

import (
	"encoding/json"
	"strconv"
)

// Packing limits matching the browser sync area: each batch stays below 8000
// bytes (margin under the 8192 per-item ceiling) and the whole payload stays
// within 100000 bytes.
const (
	DefaultBatchBytes = 8_000
	DefaultTotalBytes = 100_000
)

// Limits bounds the packed sync payload. Sizes are the length of the JSON
// serialization of the key/value object, batch by batch and in total.
type Limits struct {
	Prefix     string
	BatchBytes int
	TotalBytes int
}

// DefaultLimits returns the limits of the browser sync area.
func DefaultLimits() Limits {
	return Limits{
		Prefix:     DefaultBatchPrefix,
		BatchBytes: DefaultBatchBytes,
		TotalBytes: DefaultTotalBytes,
	}
}

// MetaKey returns the sync-tier key holding the metadata.
func (l Limits) MetaKey() string { return l.Prefix + metaSuffix }

// BatchKey returns the sync-tier key of batch index.
func (l Limits) BatchKey(index int) string { return l.Prefix + strconv.Itoa(index) }

// PackResult is the outcome of packing entries into batches.
type PackResult struct {
	// Batches maps batch keys to packed entries; BatchKeys lists them in order.
	Batches   map[string][]string
	BatchKeys []string
	// Packed is the number of entries that fit; Dropped those cut by the
	// total quota (always the oldest).
	Packed  int
	Dropped int
	// Bytes is the serialized size of metadata plus all batches.
	Bytes int
}

// PackBatches splits newest-first entries into batches. A batch is closed
// when adding the next entry would bring its own serialization to
// BatchBytes or more. The first entry that would push metadata plus every
// batch over TotalBytes is dropped together with everything older.
func PackBatches(entries []Entry, meta Metadata, limits Limits) PackResult {
	res := PackResult{Batches: make(map[string][]string)}

	// Running sizes: members holds the serialized `"key":value` members of
	// the metadata and closed batches.
	metaJSON, _ := json.Marshal(meta)
	membersSize := memberSize(limits.MetaKey(), len(metaJSON))
	members := 1

	var (
		current    []string
		currentArr = emptyArraySize
	)

	for i, e := range entries {
		packed := Pack(e.Key, e.Timestamp)
		esz := jsonStringSize(packed)
		key := limits.BatchKey(len(res.BatchKeys))

		grownArr := appendArraySize(currentArr, len(current), esz)

		if len(current) > 0 && objectSizeOf(memberSize(key, grownArr), 1) >= limits.BatchBytes {
			// The entry opens the next batch; check the payload in that shape.
			closedSize := membersSize + memberSize(key, currentArr)
			nextArr := appendArraySize(emptyArraySize, 0, esz)
			total := objectSizeOf(closedSize+memberSize(limits.BatchKey(len(res.BatchKeys)+1), nextArr), members+2)

			if total > limits.TotalBytes {
				res.Dropped = len(entries) - i
				break
			}

			res.Batches[key] = current
			res.BatchKeys = append(res.BatchKeys, key)
			membersSize = closedSize
			members++

			current = []string{packed}
			currentArr = nextArr

			continue
		}

		total := objectSizeOf(membersSize+memberSize(key, grownArr), members+1)
		if total > limits.TotalBytes {
			res.Dropped = len(entries) - i
			break
		}

		current = append(current, packed)
		currentArr = grownArr
	}

	if len(current) > 0 {
		key := limits.BatchKey(len(res.BatchKeys))
		res.Batches[key] = current
		res.BatchKeys = append(res.BatchKeys, key)
		membersSize += memberSize(key, currentArr)
		members++
	}

	res.Packed = len(entries) - res.Dropped
	res.Bytes = objectSizeOf(membersSize, members)

	return res
}

const emptyArraySize = len("[]")

// appendArraySize returns the size of a JSON array of n elements of total
// arraySize after appending one element of elemSize.
func appendArraySize(arraySize, n, elemSize int) int {
	if n == 0 {
		return emptyArraySize + elemSize
	}

	return arraySize + len(",") + elemSize
}

// memberSize is the size of `"key":value` inside an object.
func memberSize(key string, valueSize int) int {
	return jsonStringSize(key) + len(":") + valueSize
}

// objectSizeOf is the size of an object whose members total membersSz bytes.
func objectSizeOf(membersSz, count int) int {
	if count == 0 {
		return len("{}")
	}

	return len("{}") + membersSz + count - 1
}

func jsonStringSize(s string) int {
	data, _ := json.Marshal(s)
	return len(data)
}
