// Package merge assembles the final transcript from settled chunk results.
package merge

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cubetribe/voxflow-trans-sub002/internal/domain"
)

// Merge orders the succeeded chunk results by start offset and joins their
// texts into one transcript. Segments keep each chunk's original text and
// time bounds; only the joined full text has overlapped spans deduplicated
// according to the job's overlap policy.
//
// Every chunk must be settled before merging. A job whose chunks all failed
// has nothing to merge and yields ErrAllChunksFailed.
func Merge(job domain.Job, chunks []domain.Chunk) (domain.Transcript, error) {
	if len(chunks) < job.TotalChunks {
		return domain.Transcript{}, fmt.Errorf("%w: %d of %d chunks known", domain.ErrIncompleteTranscript, len(chunks), job.TotalChunks)
	}

	var segments []domain.Segment
	for _, c := range chunks {
		if !c.Status.Terminal() {
			return domain.Transcript{}, fmt.Errorf("%w: chunk %d is %s", domain.ErrIncompleteTranscript, c.Index, c.Status)
		}
		if c.Status != domain.ChunkSucceeded {
			continue
		}
		if c.Result == nil {
			return domain.Transcript{}, fmt.Errorf("%w: chunk %d succeeded without result", domain.ErrIncompleteTranscript, c.Index)
		}
		segments = append(segments, domain.Segment{
			ChunkIndex:     c.Index,
			StartOffsetSec: c.Result.StartOffsetSec,
			EndOffsetSec:   c.Result.EndOffsetSec,
			Text:           c.Result.Text,
			Confidence:     c.Result.Confidence,
		})
	}
	if len(segments) == 0 {
		return domain.Transcript{}, fmt.Errorf("%w: job %s", domain.ErrAllChunksFailed, job.ID)
	}

	sort.Slice(segments, func(i, j int) bool {
		if segments[i].StartOffsetSec != segments[j].StartOffsetSec {
			return segments[i].StartOffsetSec < segments[j].StartOffsetSec
		}
		return segments[i].ChunkIndex < segments[j].ChunkIndex
	})

	return domain.Transcript{
		JobID:    job.ID,
		Segments: segments,
		FullText: joinDeduplicated(segments, job.Config.OverlapPolicy),
	}, nil
}

// joinDeduplicated drops the overlapped share of words from one side of each
// adjacent pair. The share is proportional to the overlap's fraction of the
// trimmed segment's duration, so a 2s overlap on a 10s segment costs a fifth
// of its words.
func joinDeduplicated(segments []domain.Segment, policy domain.OverlapPolicy) string {
	pieces := make([]string, len(segments))
	for i, s := range segments {
		pieces[i] = s.Text
	}

	for i := 1; i < len(segments); i++ {
		overlap := segments[i-1].EndOffsetSec - segments[i].StartOffsetSec
		if overlap <= 0 {
			continue
		}
		if policy == domain.PreferEarlier {
			span := segments[i].EndOffsetSec - segments[i].StartOffsetSec
			pieces[i] = trimWords(pieces[i], span, overlap, false)
		} else {
			span := segments[i-1].EndOffsetSec - segments[i-1].StartOffsetSec
			pieces[i-1] = trimWords(pieces[i-1], span, overlap, true)
		}
	}

	var parts []string
	for _, p := range pieces {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

func trimWords(text string, spanSec, overlapSec float64, fromTail bool) string {
	words := strings.Fields(text)
	if len(words) == 0 || spanSec <= 0 {
		return text
	}
	drop := int(math.Round(float64(len(words)) * overlapSec / spanSec))
	if drop <= 0 {
		return strings.Join(words, " ")
	}
	if drop >= len(words) {
		return ""
	}
	if fromTail {
		return strings.Join(words[:len(words)-drop], " ")
	}
	return strings.Join(words[drop:], " ")
}
