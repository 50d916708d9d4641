// Package threading groups flat message metadata into ordered conversation
// threads. Pure computation, no I/O.
//
// Two phases decide thread membership:
//
//  1. Provider thread id (Gmail X-GM-THRID and friends) buckets messages
//     directly and bypasses header analysis.
//  2. JWZ-style linking over Message-ID / In-Reply-To / References for the
//     rest; messages never reached from a root become singleton threads.
//
// Subject normalization is cosmetic: it picks the display subject but never
// merges id-based buckets.
package threading

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/asgard-mail/core/pkg/types"
)

// GroupIntoThreads partitions messages into conversation threads. Messages in
// each thread are sorted oldest to newest; the thread list is sorted by last
// activity, most recent first, with ties keeping their prior relative order.
func GroupIntoThreads(msgs []types.MsgMeta) []types.Thread {
	sorted := make([]types.MsgMeta, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})

	// Phase 1: provider-assigned thread ids win outright.
	var withoutTid []types.MsgMeta
	bucketOrder := make([]string, 0)
	buckets := make(map[string][]types.MsgMeta)
	addTo := func(tid string, m types.MsgMeta) {
		if _, ok := buckets[tid]; !ok {
			bucketOrder = append(bucketOrder, tid)
		}
		buckets[tid] = append(buckets[tid], m)
	}

	for _, m := range sorted {
		if m.ServerThreadID != "" {
			addTo(m.ServerThreadID, m)
		} else {
			withoutTid = append(withoutTid, m)
		}
	}

	// Phase 2: JWZ linking for everything else.
	for _, th := range jwzThreads(withoutTid) {
		for _, m := range th.messages {
			addTo(th.id, m)
		}
	}

	// Phase 3: per-bucket ordering and summaries.
	threads := make([]types.Thread, 0, len(bucketOrder))
	for _, tid := range bucketOrder {
		v := buckets[tid]
		sort.SliceStable(v, func(i, j int) bool {
			return v[i].Date.Before(v[j].Date)
		})
		subject := NormalizeSubject(v[len(v)-1].Subject)
		threads = append(threads, types.NewThread(tid, subject, v))
	}

	// Most recently active conversation first.
	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].LastDate.After(threads[j].LastDate)
	})
	return threads
}

// node is one slot in the flat threading arena. msg indexes into the input
// slice, -1 for placeholder nodes that only exist because something referenced
// them. parent and children are arena indexes.
type node struct {
	mid      string
	msg      int
	parent   int
	children []int
}

type jwzThread struct {
	id       string
	messages []types.MsgMeta
}

// jwzThreads runs header-based threading over messages with no provider
// thread id. Input must already be date-sorted.
func jwzThreads(msgs []types.MsgMeta) []jwzThread {
	arena := make([]node, 0, len(msgs))
	index := make(map[string]int)

	ensure := func(mid string) int {
		if i, ok := index[mid]; ok {
			return i
		}
		arena = append(arena, node{mid: mid, msg: -1, parent: -1})
		index[mid] = len(arena) - 1
		return len(arena) - 1
	}

	// Pass 1: one node per distinct Message-ID, including ids that only
	// appear inside References.
	for i, m := range msgs {
		if m.MessageID != "" {
			ni := ensure(m.MessageID)
			arena[ni].msg = i
		}
		for _, r := range m.References {
			ensure(r)
		}
	}

	// Pass 2: link to parent = last reference, else In-Reply-To. Dangling
	// parents are silently skipped; that is data, not an error.
	for _, m := range msgs {
		if m.MessageID == "" {
			continue
		}
		parentID := m.InReplyTo
		if len(m.References) > 0 {
			parentID = m.References[len(m.References)-1]
		}
		if parentID == "" || parentID == m.MessageID {
			continue
		}
		pi, ok := index[parentID]
		if !ok {
			continue
		}
		ci := index[m.MessageID]
		arena[ci].parent = pi
		arena[pi].children = append(arena[pi].children, ci)
	}

	var out []jwzThread
	visited := make([]bool, len(msgs))

	// Roots: no parent and a real message attached. Traverse depth-first
	// with an explicit stack, children ordered by date ascending.
	for ri := range arena {
		if arena[ri].parent != -1 || arena[ri].msg < 0 {
			continue
		}
		th := jwzThread{id: arena[ri].mid}
		stack := []int{ri}
		for len(stack) > 0 {
			ni := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			n := arena[ni]
			if n.msg >= 0 {
				th.messages = append(th.messages, msgs[n.msg])
				visited[n.msg] = true
			}
			// Push in reverse date order so the earliest child pops first.
			childs := append([]int(nil), n.children...)
			sort.SliceStable(childs, func(a, b int) bool {
				return childDate(arena, msgs, childs[a]).Before(childDate(arena, msgs, childs[b]))
			})
			for k := len(childs) - 1; k >= 0; k-- {
				stack = append(stack, childs[k])
			}
		}
		out = append(out, th)
	}

	// Orphans: real messages never reached from a root (dangling ancestors,
	// missing Message-ID) become singleton threads.
	for i, m := range msgs {
		if visited[i] {
			continue
		}
		tid := m.MessageID
		if tid == "" {
			tid = fmt.Sprintf("midless-%s", m.UID)
		}
		out = append(out, jwzThread{id: tid, messages: []types.MsgMeta{m}})
	}

	return out
}

func childDate(arena []node, msgs []types.MsgMeta, ni int) time.Time {
	if mi := arena[ni].msg; mi >= 0 {
		return msgs[mi].Date
	}
	return time.Time{}
}

var (
	reListTag = regexp.MustCompile(`^\s*\[[^\]]+\]\s*`)
	reReplyFw = regexp.MustCompile(`^((?i:re|fw|fwd|sv|aw|antw|rv)\s*:\s*)+`)
)

// NormalizeSubject strips one leading bracketed list tag and any run of
// reply/forward prefixes, collapses whitespace and lowercases. Used for the
// thread display subject only.
func NormalizeSubject(raw string) string {
	s := strings.TrimSpace(raw)
	s = reListTag.ReplaceAllString(s, "")
	s = reReplyFw.ReplaceAllString(s, "")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
