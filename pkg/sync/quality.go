// ABOUTME: Sync quality classification
// ABOUTME: Good, degraded by slow round trips, or lost after silence
package sync

// Quality represents sync quality
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityLost
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	case QualityLost:
		return "lost"
	}
	return "unknown"
}
