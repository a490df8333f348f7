package marketdata

import (
	"math"
	"time"
)

// Interval represents a candle aggregation interval.
type Interval string

const (
	Interval1m Interval = "1m"
	Interval5m Interval = "5m"
	Interval1h Interval = "1h"
)

// Duration returns the time.Duration for an interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval1h:
		return time.Hour
	default:
		return time.Minute
	}
}

// AllIntervals returns the supported intervals.
func AllIntervals() []Interval {
	return []Interval{Interval1m, Interval5m, Interval1h}
}

// Candle represents OHLCV data for one interval bucket.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Interval  Interval  `json:"interval"`
	OpenTime  time.Time `json:"openTime"`
	CloseTime time.Time `json:"closeTime"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Samples   int       `json:"samples"`
	Complete  bool      `json:"complete"`
}

const candleRetention = 500

// candleSet accumulates candles per interval from snapshots. Callers
// hold the owning contractState lock.
type candleSet struct {
	current   map[Interval]*Candle
	completed map[Interval][]*Candle
}

func newCandleSet() *candleSet {
	return &candleSet{
		current:   make(map[Interval]*Candle),
		completed: make(map[Interval][]*Candle),
	}
}

// bucketOpen aligns a timestamp to the interval boundary.
func bucketOpen(t time.Time, interval Interval) time.Time {
	d := interval.Duration()
	return t.Truncate(d)
}

func (cs *candleSet) update(snap *Snapshot) {
	for _, interval := range AllIntervals() {
		open := bucketOpen(snap.Timestamp, interval)
		c := cs.current[interval]

		if c == nil || !c.OpenTime.Equal(open) {
			if c != nil {
				c.Complete = true
				done := append(cs.completed[interval], c)
				if len(done) > candleRetention {
					done = done[len(done)-candleRetention:]
				}
				cs.completed[interval] = done
			}
			cs.current[interval] = &Candle{
				Symbol:    snap.Symbol,
				Interval:  interval,
				OpenTime:  open,
				CloseTime: open.Add(interval.Duration()),
				Open:      snap.Price,
				High:      snap.Price,
				Low:       snap.Price,
				Close:     snap.Price,
				Volume:    snap.Volume,
				Samples:   1,
			}
			continue
		}

		c.High = math.Max(c.High, snap.Price)
		c.Low = math.Min(c.Low, snap.Price)
		c.Close = snap.Price
		c.Volume += snap.Volume
		c.Samples++
	}
}

// last returns up to limit candles oldest first, the current
// incomplete candle last.
func (cs *candleSet) last(interval Interval, limit int) []*Candle {
	done := cs.completed[interval]
	out := make([]*Candle, 0, len(done)+1)
	out = append(out, done...)
	if c := cs.current[interval]; c != nil {
		out = append(out, c)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
