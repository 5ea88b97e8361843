package planner

import (
	"encoding/json"
	"fmt"

	"github.com/orian/vizguard/models"
	"github.com/orian/vizguard/sampling"
)

// Transformation is one step of an execution plan. The set is closed:
// Filter, DateBin, NumericBin, Aggregate, TopN, Sample, Limit and Sort.
type Transformation interface {
	// Kind is the step's wire name.
	Kind() string
	fmt.Stringer
	transformation()
}

// Filter keeps rows matching every filter.
type Filter struct {
	Filters []models.FilterSpec `json:"filters"`
}

// DateBin truncates a datetime column to the start of its bucket.
type DateBin struct {
	Column      string                 `json:"column"`
	Granularity models.DateGranularity `json:"granularity"`
}

// NumericBin replaces a numeric column by the lower bound of its
// equal-width bin.
type NumericBin struct {
	Column string `json:"column"`
	Bins   int    `json:"bin_count"`
}

// Aggregate groups by GroupBy and reduces Measure into the value column.
type Aggregate struct {
	GroupBy     string                 `json:"group_by"`
	Measure     string                 `json:"measure"`
	Aggregation models.AggregationType `json:"aggregation"`
}

// TopN keeps the N groups with the largest values. With IncludeOthers the
// remaining groups are summed into one "Others" row.
type TopN struct {
	Column        string `json:"column"`
	N             int    `json:"n"`
	IncludeOthers bool   `json:"include_others"`
}

// Sample reduces raw rows to TargetRows.
type Sample struct {
	TargetRows int             `json:"target_rows"`
	Seed       uint64          `json:"seed"`
	Method     sampling.Method `json:"method"`
	StratifyBy string          `json:"stratify_by,omitempty"`
}

// Limit caps the row count. The final Limit of every plan is the hard
// point ceiling.
type Limit struct {
	N int `json:"n"`
}

// Sort orders the result by Column.
type Sort struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending"`
}

func (Filter) Kind() string     { return "filter" }
func (DateBin) Kind() string    { return "date_bin" }
func (NumericBin) Kind() string { return "numeric_bin" }
func (Aggregate) Kind() string  { return "aggregate" }
func (TopN) Kind() string       { return "top_n" }
func (Sample) Kind() string     { return "sample" }
func (Limit) Kind() string      { return "limit" }
func (Sort) Kind() string       { return "sort" }

func (Filter) transformation()     {}
func (DateBin) transformation()    {}
func (NumericBin) transformation() {}
func (Aggregate) transformation()  {}
func (TopN) transformation()       {}
func (Sample) transformation()     {}
func (Limit) transformation()      {}
func (Sort) transformation()       {}

func (t Filter) String() string { return fmt.Sprintf("Filter(%d predicates)", len(t.Filters)) }

func (t DateBin) String() string { return fmt.Sprintf("DateBin(%s, %s)", t.Column, t.Granularity) }

func (t NumericBin) String() string { return fmt.Sprintf("NumericBin(%s, %d)", t.Column, t.Bins) }

func (t Aggregate) String() string {
	return fmt.Sprintf("Aggregate(%s(%s) by %s)", t.Aggregation, t.Measure, t.GroupBy)
}

func (t TopN) String() string {
	return fmt.Sprintf("TopN(%s, n=%d, others=%t)", t.Column, t.N, t.IncludeOthers)
}

func (t Sample) String() string {
	if t.StratifyBy != "" {
		return fmt.Sprintf("Sample(%d, seed=%d, %s by %s)", t.TargetRows, t.Seed, t.Method, t.StratifyBy)
	}
	return fmt.Sprintf("Sample(%d, seed=%d, %s)", t.TargetRows, t.Seed, t.Method)
}

func (t Limit) String() string { return fmt.Sprintf("Limit(%d)", t.N) }

func (t Sort) String() string {
	dir := "asc"
	if t.Descending {
		dir = "desc"
	}
	return fmt.Sprintf("Sort(%s %s)", t.Column, dir)
}

func (t Filter) MarshalJSON() ([]byte, error) {
	type plain Filter
	return tagged(t.Kind(), plain(t))
}

func (t DateBin) MarshalJSON() ([]byte, error) {
	type plain DateBin
	return tagged(t.Kind(), plain(t))
}

func (t NumericBin) MarshalJSON() ([]byte, error) {
	type plain NumericBin
	return tagged(t.Kind(), plain(t))
}

func (t Aggregate) MarshalJSON() ([]byte, error) {
	type plain Aggregate
	return tagged(t.Kind(), plain(t))
}

func (t TopN) MarshalJSON() ([]byte, error) {
	type plain TopN
	return tagged(t.Kind(), plain(t))
}

func (t Sample) MarshalJSON() ([]byte, error) {
	type plain Sample
	return tagged(t.Kind(), plain(t))
}

func (t Limit) MarshalJSON() ([]byte, error) {
	type plain Limit
	return tagged(t.Kind(), plain(t))
}

func (t Sort) MarshalJSON() ([]byte, error) {
	type plain Sort
	return tagged(t.Kind(), plain(t))
}

// tagged encodes v as a JSON object with a leading "kind" member.
func tagged(kind string, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	head := fmt.Sprintf(`{"kind":%q`, kind)
	if len(b) <= 2 {
		return []byte(head + "}"), nil
	}
	return append([]byte(head+","), b[1:]...), nil
}
