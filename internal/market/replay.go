package market

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Tick is one replayed observation.
type Tick struct {
	Instrument string
	Point      PricePoint
}

// ReplayFeed plays recorded ticks into a History in time order. The file is
// CSV with a header row: time,instrument,price[,volume]; time is RFC3339.
type ReplayFeed struct {
	ticks []Tick
	next  int
}

// LoadReplay reads a replay file from disk.
func LoadReplay(path string) (*ReplayFeed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay: %w", err)
	}
	defer f.Close()
	return ParseReplay(f)
}

// ParseReplay reads replay records from r.
func ParseReplay(r io.Reader) (*ReplayFeed, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read replay header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, need := range []string{"time", "instrument", "price"} {
		if _, ok := col[need]; !ok {
			return nil, fmt.Errorf("replay header missing %q", need)
		}
	}
	volCol, hasVol := col["volume"]

	var ticks []Tick
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("replay line %d: %w", line, err)
		}
		ts, err := time.Parse(time.RFC3339, rec[col["time"]])
		if err != nil {
			return nil, fmt.Errorf("replay line %d time: %w", line, err)
		}
		price, err := strconv.ParseFloat(rec[col["price"]], 64)
		if err != nil || price <= 0 {
			return nil, fmt.Errorf("replay line %d: invalid price %q", line, rec[col["price"]])
		}
		var vol float64
		if hasVol && volCol < len(rec) && rec[volCol] != "" {
			if vol, err = strconv.ParseFloat(rec[volCol], 64); err != nil {
				return nil, fmt.Errorf("replay line %d volume: %w", line, err)
			}
		}
		ticks = append(ticks, Tick{
			Instrument: strings.TrimSpace(rec[col["instrument"]]),
			Point:      PricePoint{Time: ts, Price: price, Volume: vol},
		})
	}
	sort.SliceStable(ticks, func(i, j int) bool {
		return ticks[i].Point.Time.Before(ticks[j].Point.Time)
	})
	return &ReplayFeed{ticks: ticks}, nil
}

// NewReplayFeed builds a feed from in-memory ticks.
func NewReplayFeed(ticks []Tick) *ReplayFeed {
	cp := make([]Tick, len(ticks))
	copy(cp, ticks)
	sort.SliceStable(cp, func(i, j int) bool {
		return cp[i].Point.Time.Before(cp[j].Point.Time)
	})
	return &ReplayFeed{ticks: cp}
}

// Bounds returns the first and last tick times.
func (f *ReplayFeed) Bounds() (time.Time, time.Time, bool) {
	if len(f.ticks) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return f.ticks[0].Point.Time, f.ticks[len(f.ticks)-1].Point.Time, true
}

// AdvanceTo appends every tick at or before t into h and reports how many
// were applied. Ticks the history refuses are consumed but not counted.
func (f *ReplayFeed) AdvanceTo(h *History, t time.Time) int {
	n := 0
	for f.next < len(f.ticks) && !f.ticks[f.next].Point.Time.After(t) {
		tk := f.ticks[f.next]
		f.next++
		if err := h.Append(tk.Instrument, tk.Point); err != nil {
			continue
		}
		n++
	}
	return n
}

// Done reports whether every tick has been played.
func (f *ReplayFeed) Done() bool {
	return f.next >= len(f.ticks)
}
