package model

import "strconv"

// Gap is a detected run of missing confirmed bar indices for one
// (symbol, timeframe). Derived from the confirmation stream, never
// persisted independently.
type Gap struct {
	Symbol     string `json:"symbol"`
	Timeframe  int64  `json:"timeframe_ms"`
	StartIndex int64  `json:"start_index"`
	EndIndex   int64  `json:"end_index"` // exclusive
	StartMS    int64  `json:"start_time_ms"`
	EndMS      int64  `json:"end_time_ms"`
}

// Key returns "symbol:timeframe".
func (g *Gap) Key() string {
	return g.Symbol + ":" + strconv.FormatInt(g.Timeframe, 10)
}

// Width returns the number of missing bars.
func (g *Gap) Width() int64 {
	return g.EndIndex - g.StartIndex
}
