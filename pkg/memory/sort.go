package memory

import "sort"

func sortNewestFirst(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp > recs[j].Timestamp })
}
