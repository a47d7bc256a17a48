package memory

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/alvmarrod/wiki-harvester/internal/storage"
)

// Merge collapses recovered and freshly fetched records into one record per composite key.
// A fresh record replaces a recovered one with the same key. Output is sorted by key, so the
// result does not depend on input order.
func Merge(recovered, fresh storage.RecordSet) storage.RecordSet {
	return storage.RecordSet{
		Pages:           mergeKind(recovered.Pages, fresh.Pages),
		Votes:           mergeKind(recovered.Votes, fresh.Votes),
		Revisions:       mergeKind(recovered.Revisions, fresh.Revisions),
		Attributions:    mergeKind(recovered.Attributions, fresh.Attributions),
		Relations:       mergeKind(recovered.Relations, fresh.Relations),
		AlternateTitles: mergeKind(recovered.AlternateTitles, fresh.AlternateTitles),
	}
}

// Dedupe collapses duplicate keys inside a single set
func Dedupe(set storage.RecordSet) storage.RecordSet {
	return Merge(storage.RecordSet{}, set)
}

func mergeKind[T storage.Record](recovered, fresh []T) []T {
	byKey := collapse(recovered)
	for k, r := range collapse(fresh) {
		byKey[k] = r
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]T, len(keys))
	for i, k := range keys {
		out[i] = byKey[k]
	}
	return out
}

// collapse keeps one record per key within one side. Facts are immutable at the source, so
// duplicates are normally identical; when they are not, the larger encoding wins so the
// choice is independent of arrival order.
func collapse[T storage.Record](records []T) map[string]T {
	byKey := make(map[string]T, len(records))
	for _, r := range records {
		k := r.Key()
		if prev, ok := byKey[k]; ok && !encodesAfter(r, prev) {
			continue
		}
		byKey[k] = r
	}
	return byKey
}

// encodesAfter orders two records sharing a key by their JSON encoding.
// It only runs on key collisions inside one side, never per record.
func encodesAfter(a, b any) bool {
	ea, errA := json.Marshal(a)
	eb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Compare(ea, eb) > 0
}
