package table

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/SimonWaldherr/pagecache/internal/frame"
)

// Stats is a read-only snapshot of table-maintained counters. The
// counters are bumped under the table mutex, so the snapshot is
// internally consistent.
type Stats struct {
	Resident  int64
	Capacity  int64
	Hits      int64
	Misses    int64
	Evictions int64
}

func (s *Stats) recordHit()      { s.Hits++ }
func (s *Stats) recordMiss()     { s.Misses++ }
func (s *Stats) recordEviction() { s.Evictions++ }

// HitRate returns Hits / (Hits + Misses), or 0 if there have been no
// lookups yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// String renders a human-readable summary, e.g. for diagnostic log
// lines.
func (s Stats) String() string {
	return fmt.Sprintf(
		"pages=%s/%s hits=%s misses=%s hit_rate=%.1f%% evictions=%s bytes=%s",
		humanize.Comma(s.Resident), humanize.Comma(s.Capacity),
		humanize.Comma(s.Hits), humanize.Comma(s.Misses),
		s.HitRate()*100,
		humanize.Comma(s.Evictions),
		humanize.Bytes(uint64(s.Resident)*uint64(frame.Size)),
	)
}
