package pipeline

import "forgeline/internal/domain"

// RetryGuard bounds rejections per stage. A stage without a threshold never forces acceptance;
// config validation requires one for every review stage.
type RetryGuard struct {
	Thresholds map[domain.StageID]int
}

func (g RetryGuard) Threshold(stage domain.StageID) (int, bool) {
	n, ok := g.Thresholds[stage]
	return n, ok
}

// ShouldForceAccept is true once the stage has been rejected threshold times.
func (g RetryGuard) ShouldForceAccept(stage domain.StageID, retryCount int) bool {
	n, ok := g.Threshold(stage)
	return ok && retryCount >= n
}
