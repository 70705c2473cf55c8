package sse

import "time"

// Summary aggregates the events of one response.
type Summary struct {
	ChunkCount      int        `json:"chunk_count"`
	FirstChunkAt    *time.Time `json:"first_chunk_at,omitempty"`
	LastChunkAt     *time.Time `json:"last_chunk_at,omitempty"`
	TotalDurationMS int64      `json:"total_duration_ms"`
	Chunks          []Event    `json:"chunks"`
}

// BuildSummary reduces events to a Summary. An empty list yields a zero
// count and zero duration.
func BuildSummary(events []Event, start time.Time) Summary {
	if len(events) == 0 {
		return Summary{Chunks: []Event{}}
	}

	first := events[0].Timestamp
	last := events[len(events)-1].Timestamp
	duration := last.Sub(start).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	return Summary{
		ChunkCount:      len(events),
		FirstChunkAt:    &first,
		LastChunkAt:     &last,
		TotalDurationMS: duration,
		Chunks:          events,
	}
}
