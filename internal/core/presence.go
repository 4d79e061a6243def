package core

import (
	"sort"

	"github.com/dkeye/sketchsync/internal/domain"
)

// Presence tracks who is live in one room. It is not safe for concurrent use;
// the owning Room guards it.
type Presence struct {
	present map[domain.ConnID]domain.Member
}

func NewPresence() *Presence {
	return &Presence{present: make(map[domain.ConnID]domain.Member)}
}

// Joined records m and reports whether a joined event should be emitted.
func (p *Presence) Joined(m domain.Member) bool {
	if _, ok := p.present[m.ConnID]; ok {
		return false
	}
	p.present[m.ConnID] = m
	return true
}

// Left removes conn. Duplicate leaves return false so callers never emit a
// second left event.
func (p *Presence) Left(conn domain.ConnID) (domain.Member, bool) {
	m, ok := p.present[conn]
	if !ok {
		return domain.Member{}, false
	}
	delete(p.present, conn)
	return m, true
}

func (p *Presence) Len() int { return len(p.present) }

// Members lists live members ordered by join time.
func (p *Presence) Members() []domain.Member {
	out := make([]domain.Member, 0, len(p.present))
	for _, m := range p.present {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConnID < out[j].ConnID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}
