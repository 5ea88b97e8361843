package models

import "math"

// ZoomContext carries progressive-disclosure state for one request.
// It scales the point budget: 20% at zoom 0, the full budget at zoom 1.
type ZoomContext struct {
	// Level is the zoom level, clamped to [0, 1].
	Level float64 `json:"zoom_level"`

	// RangeStart and RangeEnd bound the visible X range when both are set.
	RangeStart *float64 `json:"range_start,omitempty"`
	RangeEnd   *float64 `json:"range_end,omitempty"`

	// SelectedCategories restricts X to the given values when non-empty.
	SelectedCategories []string `json:"selected_categories,omitempty"`
}

// DefaultView is the fully zoomed-out context.
func DefaultView() ZoomContext {
	return ZoomContext{Level: 0}
}

// NewZoomContext clamps level into [0, 1]. NaN is treated as 0.
func NewZoomContext(level float64) ZoomContext {
	return ZoomContext{Level: ClampZoom(level)}
}

// ClampZoom clamps a zoom level into [0, 1].
func ClampZoom(level float64) float64 {
	if math.IsNaN(level) || level < 0 {
		return 0
	}
	if level > 1 {
		return 1
	}
	return level
}

// PointLimit scales base by the zoom level.
func (z ZoomContext) PointLimit(base int) int {
	factor := 0.2 + 0.8*ClampZoom(z.Level)
	// The epsilon keeps 0.2*base from rounding up past an exact integer.
	return int(math.Ceil(float64(base)*factor - 1e-9))
}

// HasRange reports whether both range bounds are present.
func (z ZoomContext) HasRange() bool {
	return z.RangeStart != nil && z.RangeEnd != nil
}
