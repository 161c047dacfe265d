package history

// ringSet は容量上限付きの挿入順序集合。
// 上限を超えた挿入は最も古い要素を追い出す（純粋なFIFO）。
// 既存要素の再挿入は順序を変更しない。
type ringSet struct {
	slots []Fingerprint
	head  int // 最も古い要素の位置
	limit int
	index map[Fingerprint]struct{}
}

func newRingSet(limit int) *ringSet {
	return &ringSet{
		limit: limit,
		index: make(map[Fingerprint]struct{}),
	}
}

func (s *ringSet) contains(fp Fingerprint) bool {
	_, ok := s.index[fp]
	return ok
}

// add は要素を追加する。追加した場合はtrue、追い出しが発生した場合はevictedがtrue。
func (s *ringSet) add(fp Fingerprint) (added, evicted bool) {
	if s.contains(fp) {
		return false, false
	}
	s.index[fp] = struct{}{}

	if len(s.slots) < s.limit {
		s.slots = append(s.slots, fp)
		return true, false
	}

	delete(s.index, s.slots[s.head])
	s.slots[s.head] = fp
	s.head = (s.head + 1) % s.limit
	return true, true
}

func (s *ringSet) len() int {
	return len(s.slots)
}

// ordered は挿入順（古い順）に要素を返す。
func (s *ringSet) ordered() []Fingerprint {
	out := make([]Fingerprint, 0, len(s.slots))
	for i := 0; i < len(s.slots); i++ {
		out = append(out, s.slots[(s.head+i)%len(s.slots)])
	}
	return out
}
