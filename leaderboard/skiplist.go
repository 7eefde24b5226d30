package leaderboard

import (
	"math/rand/v2"
	"sync"

	"secupoints/core"
)

const (
	maxHeight   = 16
	promoteProb = 0.25
)

// link is one forward pointer plus the number of bottom-row steps it skips.
type link struct {
	to   *node
	span int
}

type node struct {
	entry Entry
	links [maxHeight]link
}

// SkipList is an indexable skip list ordered by score descending, ties by
// user id ascending. Update, Remove, Rank and Page offsets are O(log n).
type SkipList struct {
	mu     sync.RWMutex
	head   *node
	height int
	size   int
	index  map[core.UserID]*node
	rng    *rand.Rand
}

func NewSkipList() *SkipList {
	return &SkipList{
		head:   &node{},
		height: 1,
		index:  map[core.UserID]*node{},
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// before reports whether a ranks ahead of b.
func before(a, b Entry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.User < b.User
}

func (s *SkipList) pickHeight() int {
	h := 1
	for h < maxHeight && s.rng.Float64() < promoteProb {
		h++
	}
	return h
}

// Update sets user's score, inserting the user when absent.
func (s *SkipList) Update(user core.UserID, score int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.index[user]; ok {
		if cur.entry.Score == score {
			return
		}
		s.unlink(cur.entry)
	}
	s.insert(Entry{User: user, Score: score})
}

func (s *SkipList) Remove(user core.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.index[user]; ok {
		s.unlink(cur.entry)
	}
}

func (s *SkipList) insert(e Entry) {
	var prev [maxHeight]*node
	var pos [maxHeight]int
	x := s.head
	for lv := s.height - 1; lv >= 0; lv-- {
		if lv < s.height-1 {
			pos[lv] = pos[lv+1]
		}
		for x.links[lv].to != nil && before(x.links[lv].to.entry, e) {
			pos[lv] += x.links[lv].span
			x = x.links[lv].to
		}
		prev[lv] = x
	}

	h := s.pickHeight()
	for lv := s.height; lv < h; lv++ {
		prev[lv] = s.head
		pos[lv] = 0
		s.head.links[lv].span = s.size
	}
	if h > s.height {
		s.height = h
	}

	n := &node{entry: e}
	for lv := 0; lv < h; lv++ {
		skipped := pos[0] - pos[lv]
		n.links[lv] = link{to: prev[lv].links[lv].to, span: prev[lv].links[lv].span - skipped}
		prev[lv].links[lv] = link{to: n, span: skipped + 1}
	}
	for lv := h; lv < s.height; lv++ {
		prev[lv].links[lv].span++
	}
	s.index[e.User] = n
	s.size++
}

func (s *SkipList) unlink(e Entry) {
	var prev [maxHeight]*node
	x := s.head
	for lv := s.height - 1; lv >= 0; lv-- {
		for x.links[lv].to != nil && before(x.links[lv].to.entry, e) {
			x = x.links[lv].to
		}
		prev[lv] = x
	}
	target := prev[0].links[0].to
	if target == nil || target.entry.User != e.User {
		return
	}
	for lv := 0; lv < s.height; lv++ {
		if prev[lv].links[lv].to == target {
			prev[lv].links[lv] = link{
				to:   target.links[lv].to,
				span: prev[lv].links[lv].span + target.links[lv].span - 1,
			}
		} else {
			prev[lv].links[lv].span--
		}
	}
	for s.height > 1 && s.head.links[s.height-1].to == nil {
		s.height--
	}
	delete(s.index, e.User)
	s.size--
}

func (s *SkipList) TopN(n int) []Entry {
	return s.Page(0, n)
}

func (s *SkipList) Get(user core.UserID) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.index[user]; ok {
		return n.entry, true
	}
	return Entry{}, false
}

// Rank returns the 1-based position of user.
func (s *SkipList) Rank(user core.UserID) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.index[user]
	if !ok {
		return 0, false
	}
	rank := 0
	x := s.head
	for lv := s.height - 1; lv >= 0; lv-- {
		for x.links[lv].to != nil && !before(target.entry, x.links[lv].to.entry) {
			rank += x.links[lv].span
			x = x.links[lv].to
		}
		if x == target {
			return rank, true
		}
	}
	return 0, false
}

// at returns the node at 1-based rank r, or nil.
func (s *SkipList) at(r int) *node {
	walked := 0
	x := s.head
	for lv := s.height - 1; lv >= 0; lv-- {
		for x.links[lv].to != nil && walked+x.links[lv].span <= r {
			walked += x.links[lv].span
			x = x.links[lv].to
		}
		if walked == r {
			return x
		}
	}
	return nil
}

// Page returns up to limit entries starting at the 0-based offset.
func (s *SkipList) Page(offset, limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || offset < 0 || offset >= s.size {
		return nil
	}
	out := make([]Entry, 0, min(limit, s.size-offset))
	for x := s.at(offset + 1); x != nil && len(out) < limit; x = x.links[0].to {
		out = append(out, x.entry)
	}
	return out
}

func (s *SkipList) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

var _ Board = (*SkipList)(nil)
