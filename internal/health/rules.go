package health

import (
	"github.com/taige/tsproxy/internal/poolcfg"
	"github.com/taige/tsproxy/internal/proxyspec"
)

// applyRules evaluates R1-R3 in order (first match wins for this tick),
// then R4, then R5 only if nothing moved the head.
func (m *Manager) applyRules() {
	if m.Pool.FixTop() {
		return
	}
	head := m.Pool.Head()
	if head == nil {
		return
	}

	if m.applyR1R2R3(head) {
		return
	}
	if m.applyR4(head) {
		return
	}
	m.applyR5(head)
}

func (m *Manager) applyR1R2R3(head *proxyspec.Proxy) bool {
	globalTP90 := m.Ring.GlobalTP90()
	headTP90, _ := head.TP90()

	// R1: fail_rate > threshold and a replacement exists. The existence
	// check runs in forced mode so a candidate with an out-of-tolerance
	// tp90 but an acceptable fail rate still counts.
	if head.FailRate() > poolcfg.FailRateThreshold {
		if m.Pool.TrySelectHeadProxy(true, true, 1.1) != nil {
			m.Pool.MoveHeadToTail("R1 fail_rate")
			return true
		}
	}

	// R2: head.tp90/global_tp90 > threshold and a replacement exists.
	if globalTP90 > 0 && headTP90/globalTP90 > poolcfg.GlobalTP90Threshold {
		if m.Pool.TrySelectHeadProxy(true, true, 1.1) != nil {
			m.Pool.MoveHeadToTail("R2 global_tp90_ratio")
			return true
		}
	}

	// R3: tp90_increment >= threshold and a replacement with <= head tp90.
	if head.TP90Increment() >= poolcfg.TP90IncThreshold {
		if m.Pool.TrySelectHeadProxy(false, true, 1.0) != nil {
			m.Pool.MoveHeadToTail("R3 tp90_increment")
			return true
		}
	}

	return false
}

func (m *Manager) applyR4(head *proxyspec.Proxy) bool {
	globalTP90 := m.Ring.GlobalTP90()
	headTP90, _ := head.TP90()

	dec := head.SortKeyDecrement(globalTP90)
	if dec < poolcfg.TP90IncThreshold {
		return false
	}

	factor := 1.1
	if headTP90 > 0 {
		factor = globalTP90 / headTP90
	}

	if m.Pool.TrySelectHeadProxy(false, true, factor) != nil {
		m.Pool.MoveHeadToTail("R4 sort_key_decrement")
		return true
	}
	return false
}

func (m *Manager) applyR5(head *proxyspec.Proxy) {
	if head.SessCount() <= poolcfg.Hundred {
		return
	}
	if m.Pool.TrySelectHeadProxy(false, false, 1.1) != nil {
		return
	}
	// No better candidate: reset the head's stats instead of demoting it.
	head.ResetStatInfo(m.Ring.GlobalTP90())
}
