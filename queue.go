// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncload

// readyQueue holds the scheduling entries of jobs whose dependencies are all
// satisfied. The head is the entry with the highest priority, ties broken by
// the lowest seqno, so equal priorities pop in admission order. Sequence
// numbers never repeat, which makes the order strict.
//
// Entries carry their heap index so they can be removed or re-keyed in place
// when a queued job is canceled or prioritized.
type readyQueue []*jobInfo

func (q *readyQueue) Len() int { return len(*q) }

// Less returns if the entry at index [i] pops before the entry at index [j]
func (q *readyQueue) Less(i, j int) bool {
	a, b := (*q)[i], (*q)[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seqno < b.seqno
}

// Swap swaps the values at index [i] and [j]
func (q *readyQueue) Swap(i, j int) {
	(*q)[i], (*q)[j] = (*q)[j], (*q)[i]
	(*q)[i].heapIndex = i
	(*q)[j].heapIndex = j
}

func (q *readyQueue) Push(x any) {
	info := x.(*jobInfo)
	info.heapIndex = q.Len()
	*q = append(*q, info)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := old.Len()
	info := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	info.heapIndex = -1
	return info
}
