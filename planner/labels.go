package planner

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/orian/vizguard/models"
)

// NullLabel is the label of the null group.
const NullLabel = "(null)"

// OthersLabel is the label of the Top-N remainder row.
const OthersLabel = "Others"

// LabelOrderColumn holds the original group key after Top-N, so sorting by
// X keeps the key's type order instead of the label's text order.
const LabelOrderColumn = "__label_order"

// FormatLabel renders a group key as a chart label. Datetimes are formatted
// to the precision of granularity when it is known.
func FormatLabel(v any, granularity *models.DateGranularity) string {
	switch x := v.(type) {
	case nil:
		return NullLabel
	case string:
		return x
	case time.Time:
		return formatTime(x.UTC(), granularity)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return formatFloat(x)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

func formatTime(t time.Time, g *models.DateGranularity) string {
	if g == nil {
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format("2006-01-02")
		}
		return t.Format("2006-01-02 15:04:05")
	}
	switch *g {
	case models.GranularityYear:
		return t.Format("2006")
	case models.GranularityQuarter:
		return fmt.Sprintf("%d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
	case models.GranularityMonth:
		return t.Format("2006-01")
	case models.GranularityHour:
		return t.Format("2006-01-02 15:00")
	}
	return t.Format("2006-01-02")
}

// formatFloat prints integral values without a fraction and rounds others
// to six decimals, so bin bounds like 89.10000000000001 read as 89.1.
func formatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(math.Round(f*1e6)/1e6, 'f', -1, 64)
}
