package scheduler

import "sort"

// idSpan is one inclusive [Start, End] run of ids.
type idSpan struct {
	Start, End int64
}

// IdRange is a compact set of int64 ids stored as disjoint sorted spans, the
// same shape spec.md's download_nok_ids/download_partial_ids tracking uses
// to avoid a per-id map over potentially millions of file ids in one
// backup.
type IdRange struct {
	spans []idSpan
}

// Add inserts id into the set, merging it with any adjacent or overlapping
// span.
func (r *IdRange) Add(id int64) {
	i := sort.Search(len(r.spans), func(i int) bool { return r.spans[i].Start > id })

	if i > 0 && r.spans[i-1].End >= id-1 && r.spans[i-1].Start <= id {
		i--
		if id > r.spans[i].End {
			r.spans[i].End = id
		}
	} else {
		r.spans = append(r.spans, idSpan{})
		copy(r.spans[i+1:], r.spans[i:])
		r.spans[i] = idSpan{Start: id, End: id}
	}

	// Merge with the following span(s) if now adjacent/overlapping.
	for i+1 < len(r.spans) && r.spans[i+1].Start <= r.spans[i].End+1 {
		if r.spans[i+1].End > r.spans[i].End {
			r.spans[i].End = r.spans[i+1].End
		}
		r.spans = append(r.spans[:i+1], r.spans[i+2:]...)
	}
}

// Contains reports whether id is in the set.
func (r *IdRange) Contains(id int64) bool {
	i := sort.Search(len(r.spans), func(i int) bool { return r.spans[i].End >= id })
	return i < len(r.spans) && r.spans[i].Start <= id
}

// Count returns the total number of ids in the set.
func (r *IdRange) Count() int64 {
	var total int64
	for _, s := range r.spans {
		total += s.End - s.Start + 1
	}
	return total
}
