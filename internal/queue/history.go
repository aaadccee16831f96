package queue

import "sort"

// trimLocked drops the oldest finished records beyond maxQueueHistory.
// Queued and running records are never dropped. Survivors keep their
// enqueue order.
func (m *Manager) trimLocked() {
	terminal := make([]*entry, 0, len(m.records))
	for _, e := range m.records {
		if e.rec.Terminal() {
			terminal = append(terminal, e)
		}
	}

	if len(terminal) > m.maxQueueHistory {
		sort.Slice(terminal, func(i, j int) bool {
			return terminal[i].finishSeq > terminal[j].finishSeq
		})
		drop := make(map[*entry]struct{}, len(terminal)-m.maxQueueHistory)
		for _, e := range terminal[m.maxQueueHistory:] {
			drop[e] = struct{}{}
		}

		kept := m.records[:0]
		for _, e := range m.records {
			if _, ok := drop[e]; ok {
				delete(m.byID, e.rec.ID)
				continue
			}
			kept = append(kept, e)
		}
		clearTail(m.records, len(kept))
		m.records = kept
	}

	m.publishLocked(Event{Type: EventTrimmed})
}

// clearTail nils out the slots past n so dropped entries can be collected.
func clearTail(records []*entry, n int) {
	for i := n; i < len(records); i++ {
		records[i] = nil
	}
}
