package engine

import (
	"math"

	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// DefaultDeadband is the analog change threshold when neither the engine
// nor the point sets one.
const DefaultDeadband = 0.001

// isChange reports whether next is a reportable change from last.
//
// Digital: any difference. Analog: absolute difference strictly greater
// than deadband. A change of domain always counts.
func isChange(last, next point.Value, deadband float64) bool {
	switch l := last.(type) {
	case point.Digital:
		n, ok := next.(point.Digital)
		return !ok || n != l
	case point.Analog:
		n, ok := next.(point.Analog)
		if !ok {
			return true
		}
		return math.Abs(float64(n)-float64(l)) > deadband
	default:
		return !point.Equal(last, next)
	}
}
