package health

import "github.com/taige/tsproxy/internal/poolcfg"

// applyAutoPause scans the non-head proxies and pauses/resumes them using
// poolcfg's asymmetric thresholds: the pause predicate and the resume
// predicate are not mirror images of each other.
func (m *Manager) applyAutoPause() {
	globalTP90 := m.Ring.GlobalTP90()
	all := m.Pool.Snapshot()
	if len(all) == 0 {
		return
	}
	for _, px := range all[1:] {
		tp90, n := px.TP90()
		failRate := px.FailRate()

		shouldPause := (globalTP90 > 0 && tp90 >= globalTP90*3 && n > 10) ||
			(n > 10 && failRate >= poolcfg.AutoPauseFailRateThreshold)

		if shouldPause {
			m.Pool.AutoPause(px.ShortName)
			continue
		}

		if !m.Pool.IsAutoPaused(px.ShortName) {
			continue
		}
		shouldResume := (tp90 <= globalTP90 || n <= 10) && (n <= 10 || failRate < poolcfg.FailRateThreshold)
		if shouldResume {
			m.Pool.AutoResume(px.ShortName)
		}
	}
}
