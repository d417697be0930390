package config

import (
	"fmt"
	"strings"

	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// Level ranks an issue. Only errors make a document invalid.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// Issue categories.
const (
	CategorySchema       = "schema"
	CategoryPoint        = "point"
	CategoryTypeMismatch = "type_mismatch"
	CategoryDuplicate    = "duplicate_name"
	CategoryDuplicateRef = "duplicate_hardware"
	CategoryUnresolved   = "unresolved_ref"
	CategoryUnnecessary  = "unnecessary_field"
	CategorySafety       = "safety"
)

// Issue is one finding about a document.
type Issue struct {
	Level      Level  `json:"level"`
	Category   string `json:"category"`
	Path       string `json:"path"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Report is the ordered list of issues found in a document.
type Report struct {
	Source string  `json:"source"`
	Issues []Issue `json:"issues"`
}

// Valid reports whether the document has no error-level issues.
func (r Report) Valid() bool {
	return r.Count(LevelError) == 0
}

// Count returns the number of issues at level.
func (r Report) Count(level Level) int {
	n := 0
	for _, is := range r.Issues {
		if is.Level == level {
			n++
		}
	}
	return n
}

// ByLevel returns the issues at level in report order.
func (r Report) ByLevel(level Level) []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Level == level {
			out = append(out, is)
		}
	}
	return out
}

func (r *Report) add(level Level, category, path, suggestion, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{
		Level:      level,
		Category:   category,
		Path:       path,
		Message:    fmt.Sprintf(format, args...),
		Suggestion: suggestion,
	})
}

// SchemaReport turns a schema LoadError into a report so callers can
// print load and semantic failures the same way.
func SchemaReport(err *LoadError) Report {
	r := Report{Source: err.Source, Issues: []Issue{}}
	if len(err.Problems) == 0 {
		r.add(LevelError, CategorySchema, "root", "Check configuration format against examples", "%s", err.Message)
		return r
	}
	for _, p := range err.Problems {
		path, msg, ok := strings.Cut(p, ": ")
		if !ok {
			path, msg = "root", p
		}
		r.add(LevelError, CategorySchema, path, "Check configuration format against examples", "%s", msg)
	}
	return r
}

// Check runs the semantic rules over a decoded document: per-point field
// rules, name and hardware uniqueness, backend resolution and the safety
// heuristics.
func Check(doc *Document) Report {
	r := Report{Source: doc.Source, Issues: []Issue{}}
	backends := doc.BackendIDs()

	names := make(map[string]int)
	refs := make(map[string]int)
	var emergencyStops, outputs int

	for i, spec := range doc.Points {
		path := fmt.Sprintf("io_points[%d]", i)
		p, err := spec.Point()
		if err != nil {
			r.add(LevelError, CategoryTypeMismatch, path, "Use true/false for digital points and numbers for analog points", "%v", err)
			continue
		}
		for _, ve := range point.Validate(p) {
			category := CategoryPoint
			if ve.Code == point.ErrStateTypeInvalid {
				category = CategoryTypeMismatch
			}
			r.add(LevelError, category, path+"."+ve.Field, "", "%s [%s]", ve.Message, ve.Code)
		}

		if prev, dup := names[p.Name]; dup && p.Name != "" {
			r.add(LevelError, CategoryDuplicate, path+".name", "Each I/O point must have a unique name",
				"duplicate I/O point name %q (first at io_points[%d])", p.Name, prev)
		} else {
			names[p.Name] = i
		}

		if ref, err := p.Ref(); err == nil {
			key := ref.String()
			if prev, dup := refs[key]; dup {
				r.add(LevelError, CategoryDuplicateRef, path+".hardware_ref", "Each I/O point must use a unique hardware line",
					"hardware_ref %q maps to line %s already used by io_points[%d]", p.HardwareRef, key, prev)
			} else {
				refs[key] = i
			}
			if _, ok := backends[ref.Backend]; !ok {
				r.add(LevelError, CategoryUnresolved, path+".hardware_ref", "Declare the backend under backends:",
					"no backend %q for hardware_ref %q", ref.Backend, p.HardwareRef)
			}
		}

		checkFields(&r, path, p)

		if isEmergencyStop(p.Name) {
			emergencyStops++
			if p.Type != point.DigitalInput {
				r.add(LevelWarning, CategorySafety, path+".io_type", "Emergency stops are typically digital inputs",
					"emergency stop should be digital_input")
			}
			if !p.Critical {
				r.add(LevelWarning, CategorySafety, path+".critical", "Set 'critical: true' for emergency stop points",
					"emergency stop should be marked as critical")
			}
		}
		if p.Type.IsOutput() {
			outputs++
			if p.Critical && p.InitialState == nil {
				r.add(LevelWarning, CategorySafety, path+".initial_state", "Set a safe initial state for critical outputs",
					"critical output has no explicit initial_state; %s will be used", point.Zero(p.Type.Kind()))
			}
		}
	}

	if outputs > 0 && emergencyStops == 0 {
		r.add(LevelInfo, CategorySafety, "io_points", "Consider adding emergency stop inputs for safety",
			"system has outputs but no emergency stop points")
	}
	return r
}

// checkFields reports fields that are accepted but have no effect.
func checkFields(r *Report, path string, p point.IoPoint) {
	if p.Type.IsInput() && p.InitialState != nil {
		r.add(LevelInfo, CategoryUnnecessary, path+".initial_state", "Remove initial_state for input points",
			"input points don't need initial_state (read from hardware)")
	}
	if p.FailSafe != nil && !(p.Type.IsOutput() && p.Critical) {
		r.add(LevelInfo, CategoryUnnecessary, path+".fail_safe", "Mark the output critical or remove fail_safe",
			"fail_safe only applies to critical outputs")
	}
	if p.PullUp && p.Type.IsOutput() {
		r.add(LevelInfo, CategoryUnnecessary, path+".pull_up", "Remove pull_up for output points",
			"pull_up only applies to inputs")
	}
	if p.InterruptEnabled {
		r.add(LevelInfo, CategoryUnnecessary, path+".interrupt_enabled", "",
			"interrupt_enabled is accepted but points are always polled")
	}
}

func isEmergencyStop(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "emergency") && strings.Contains(n, "stop")
}
