package scenes

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/samber/lo"

	"landsat-timelapse/internal/geo"
	"landsat-timelapse/internal/landsat"
)

const (
	// DefaultStartYear is the first full year of Landsat 8 operations.
	DefaultStartYear = 2013
	// DefaultMaxCloudCover is the default cloud cover threshold in percent.
	DefaultMaxCloudCover = 10.0
)

// ErrInvalidDateRange is returned when the end of a range precedes its start.
var ErrInvalidDateRange = errors.New("invalid date range")

// Candidate is one scene offered by a provider for the requested region.
// Candidates are treated as immutable once received.
type Candidate struct {
	ID         string         `json:"id"`
	Acquired   time.Time      `json:"acquired"`
	CloudCover float64        `json:"cloudCover"` // percent, 0-100
	Ref        string         `json:"ref"`        // provider handle for band data
	Bands      []landsat.Band `json:"bands,omitempty"`
	Region     geo.Region     `json:"region"`
}

// MonthKey identifies a calendar month.
type MonthKey struct {
	Year  int
	Month time.Month
}

// MonthOf returns the calendar month of t in UTC.
func MonthOf(t time.Time) MonthKey {
	t = t.UTC()
	return MonthKey{Year: t.Year(), Month: t.Month()}
}

// Before reports whether k is earlier than other.
func (k MonthKey) Before(other MonthKey) bool {
	if k.Year != other.Year {
		return k.Year < other.Year
	}
	return k.Month < other.Month
}

// Start returns the first instant of the month in UTC.
func (k MonthKey) Start() time.Time {
	return time.Date(k.Year, k.Month, 1, 0, 0, 0, 0, time.UTC)
}

func (k MonthKey) String() string {
	return fmt.Sprintf("%04d-%02d", k.Year, int(k.Month))
}

// Selection is the winning candidate for one month.
type Selection struct {
	Month MonthKey
	Scene Candidate
}

// SelectMonthly keeps candidates with cloud cover at or below maxCloud, then
// picks one winner per calendar month: lowest cloud cover, then earliest
// acquisition, then smallest ID. Selections are returned in chronological
// order. Months without a qualifying candidate are simply absent.
func SelectMonthly(candidates []Candidate, maxCloud float64) []Selection {
	qualifying := lo.Filter(candidates, func(c Candidate, _ int) bool {
		return qualifies(c.CloudCover, maxCloud)
	})

	byMonth := lo.GroupBy(qualifying, func(c Candidate) MonthKey {
		return MonthOf(c.Acquired)
	})

	selections := make([]Selection, 0, len(byMonth))
	for month, group := range byMonth {
		winner := lo.MinBy(group, better)
		selections = append(selections, Selection{Month: month, Scene: winner})
	}

	sort.Slice(selections, func(i, j int) bool {
		return selections[i].Month.Before(selections[j].Month)
	})
	return selections
}

// Unknown or negative cloud cover never qualifies.
func qualifies(cloud, maxCloud float64) bool {
	if math.IsNaN(cloud) || cloud < 0 {
		return false
	}
	return cloud <= maxCloud
}

func better(a, b Candidate) bool {
	if a.CloudCover != b.CloudCover {
		return a.CloudCover < b.CloudCover
	}
	if !a.Acquired.Equal(b.Acquired) {
		return a.Acquired.Before(b.Acquired)
	}
	return a.ID < b.ID
}

// DateRange is an inclusive acquisition window.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// DefaultDateRange covers January 1st of DefaultStartYear through now.
func DefaultDateRange(now time.Time) DateRange {
	return DateRange{
		Start: time.Date(DefaultStartYear, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   now.UTC(),
	}
}

// Validate checks that End does not precede Start.
func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidDateRange)
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("%w: end %s is before start %s", ErrInvalidDateRange,
			r.End.Format(time.DateOnly), r.Start.Format(time.DateOnly))
	}
	return nil
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Months lists every calendar month touched by the range.
func (r DateRange) Months() []MonthKey {
	var out []MonthKey
	last := MonthOf(r.End)
	for k := MonthOf(r.Start); !last.Before(k); {
		out = append(out, k)
		next := k.Start().AddDate(0, 1, 0)
		k = MonthKey{Year: next.Year(), Month: next.Month()}
	}
	return out
}

// Gaps returns the months in r that have no selection.
func Gaps(r DateRange, selections []Selection) []MonthKey {
	covered := lo.SliceToMap(selections, func(s Selection) (MonthKey, struct{}) {
		return s.Month, struct{}{}
	})
	return lo.Filter(r.Months(), func(k MonthKey, _ int) bool {
		_, ok := covered[k]
		return !ok
	})
}
