package conf

import "fmt"

// validateSettings clamps or rejects settings values that would make the
// runtime unsafe to start. It mirrors the defensive validation the teacher
// applies to its own settings tree before first use.
func validateSettings(s *Settings) error {
	if s.Pipeline.SchedulePeriodMs <= 0 {
		s.Pipeline.SchedulePeriodMs = 1
	}
	if s.Pipeline.DPWorkerCount < 0 {
		return fmt.Errorf("pipeline.dpworkercount must not be negative, got %d", s.Pipeline.DPWorkerCount)
	}
	if s.Pipeline.XrunRecoveryLimit < 0 {
		return fmt.Errorf("pipeline.xrunrecoverylimit must not be negative, got %d", s.Pipeline.XrunRecoveryLimit)
	}

	bp := &s.Pipeline.BufferPool
	if bp.SmallSize <= 0 || bp.MediumSize <= bp.SmallSize || bp.LargeSize <= bp.MediumSize {
		return fmt.Errorf("pipeline.bufferpool tier sizes must be strictly increasing, got small=%d medium=%d large=%d",
			bp.SmallSize, bp.MediumSize, bp.LargeSize)
	}

	return nil
}
