package capture

import (
	"sort"

	"github.com/mehmetymw/cdclab/internal/types"
	"github.com/mehmetymw/cdclab/internal/util"
)

type rowKey struct {
	table string
	pk    string
}

func (k rowKey) less(o rowKey) bool {
	if k.table != o.table {
		return k.table < o.table
	}
	return k.pk < o.pk
}

// rowState is one mirror entry. version grows by one per applied insert/update and
// tombstoned is never cleared on an entry.
type rowState struct {
	image        map[string]any
	version      int
	lastMutation int64
	tombstoned   bool
	// seen is set once downstream has been told the row exists.
	seen bool
}

type mirror struct {
	rows map[rowKey]*rowState
}

func newMirror() *mirror {
	return &mirror{rows: make(map[rowKey]*rowState)}
}

func (m *mirror) get(k rowKey) *rowState { return m.rows[k] }

func (m *mirror) len() int { return len(m.rows) }

func (m *mirror) keys() []rowKey {
	out := make([]rowKey, 0, len(m.rows))
	for k := range m.rows {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

func (m *mirror) seed(r types.SeedRow) {
	m.rows[rowKey{r.Table, r.PrimaryKey}] = &rowState{
		image:        util.CloneImage(r.Image),
		version:      1,
		lastMutation: minTime,
		seen:         true,
	}
}

// apply mutates the mirror for a DML op at time at. It returns the image before the
// mutation and whether the op took effect. Updates and deletes of unknown or
// tombstoned rows do not.
func (m *mirror) apply(op types.SourceOp, at int64) (map[string]any, bool) {
	k := rowKey{op.Table, op.PrimaryKey}
	cur := m.rows[k]
	switch op.Kind {
	case types.KindInsert:
		// A re-insert replaces a tombstoned entry with a fresh one.
		var before map[string]any
		if cur != nil && !cur.tombstoned {
			before = util.CloneImage(cur.image)
		}
		m.rows[k] = &rowState{image: util.CloneImage(op.AfterImage), version: 1, lastMutation: at}
		return before, true
	case types.KindUpdate:
		if cur == nil || cur.tombstoned {
			return nil, false
		}
		before := util.CloneImage(cur.image)
		cur.image = util.MergeImage(cur.image, op.AfterImage)
		cur.version++
		cur.lastMutation = at
		return before, true
	case types.KindDelete:
		if cur == nil || cur.tombstoned {
			return nil, false
		}
		cur.tombstoned = true
		cur.lastMutation = at
		return util.CloneImage(cur.image), true
	}
	return nil, false
}

// remove drops the entry for k and returns its last image.
func (m *mirror) remove(k rowKey) (map[string]any, bool) {
	cur, ok := m.rows[k]
	if !ok {
		return nil, false
	}
	delete(m.rows, k)
	return cur.image, true
}
