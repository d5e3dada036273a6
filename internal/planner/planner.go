// Package planner slices a source duration into overlapping chunk windows.
package planner

import (
	"fmt"

	"github.com/cubetribe/voxflow-trans-sub002/internal/domain"
)

// Plan computes the chunk windows for an audio file of durationSec seconds.
// Consecutive windows share overlapSec seconds; the last window is truncated
// to the end of the file and may be shorter than chunkDurationSec.
func Plan(durationSec, chunkDurationSec, overlapSec float64) ([]domain.Window, error) {
	if durationSec <= 0 {
		return nil, fmt.Errorf("%w: duration %.3fs", domain.ErrInvalidConfig, durationSec)
	}
	if chunkDurationSec <= 0 {
		return nil, fmt.Errorf("%w: chunk duration %.3fs", domain.ErrInvalidConfig, chunkDurationSec)
	}
	if overlapSec < 0 || overlapSec >= chunkDurationSec {
		return nil, fmt.Errorf("%w: overlap %.3fs with chunk duration %.3fs", domain.ErrInvalidConfig, overlapSec, chunkDurationSec)
	}

	step := chunkDurationSec - overlapSec
	var windows []domain.Window
	for start := 0.0; ; start += step {
		end := start + chunkDurationSec
		if end >= durationSec {
			windows = append(windows, domain.Window{StartOffsetSec: start, EndOffsetSec: durationSec})
			return windows, nil
		}
		windows = append(windows, domain.Window{StartOffsetSec: start, EndOffsetSec: end})
	}
}
