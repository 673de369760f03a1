package progress

import (
	"fmt"
	"math"
	"time"
)

// HumanMessage renders a one-line Korean status for s. The remaining time is
// appended only while it is positive and below threshold.
func HumanMessage(s State, now time.Time, threshold time.Duration) string {
	if s.Removed {
		return "진단 작업이 정리되어 더 이상 진행 상황을 제공하지 않습니다."
	}
	switch s.Status {
	case JobCompleted:
		return "진단이 완료되었습니다. 결과를 확인해 주세요."
	case JobError:
		if s.ErrorMessage != "" {
			return "진단 중 오류가 발생했습니다: " + s.ErrorMessage
		}
		return "진단 중 오류가 발생했습니다. 잠시 후 다시 시도해 주세요."
	}

	step, ok := s.CurrentStep()
	if !ok {
		return "진단을 준비하고 있습니다."
	}

	msg := step.Title
	if step.Description != "" {
		msg += ": " + step.Description
	}
	if s.EstimatedCompletionTime == nil {
		return msg
	}

	remaining := s.EstimatedCompletionTime.Sub(now)
	if remaining <= 0 || remaining >= threshold {
		return msg
	}
	return msg + " " + formatRemaining(remaining)
}

func formatRemaining(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("(약 %d초 남음)", int(math.Ceil(d.Seconds())))
	}
	return fmt.Sprintf("(약 %d분 남음)", int(math.Ceil(d.Minutes())))
}
