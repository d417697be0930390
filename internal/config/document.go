package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ValorenceCLE/iocontrol/internal/point"
)

// Load error codes.
const (
	ErrCodeRead   = "READ_FAILED"
	ErrCodeParse  = "PARSE_FAILED"
	ErrCodeSchema = "SCHEMA_INVALID"
)

// LoadError is returned when a document cannot be read, parsed or fails
// the schema. Schema failures list every violation in Problems.
type LoadError struct {
	Code     string
	Source   string
	Message  string
	Problems []string
	Err      error
}

func (e *LoadError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Source, e.Code, e.Message)
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsSchemaError reports whether err is a schema violation.
func IsSchemaError(err error) bool {
	var le *LoadError
	return errors.As(err, &le) && le.Code == ErrCodeSchema
}

// Duration is a time.Duration written as a Go duration string ("50ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Document is a decoded configuration document.
type Document struct {
	Engine   EngineSection             `yaml:"engine"`
	Backends map[string]BackendSection `yaml:"backends"`
	Points   []PointSpec               `yaml:"io_points"`

	// Source names where the document came from, for messages.
	Source string `yaml:"-"`
}

// EngineSection holds optional engine overrides. Nil fields keep the
// engine defaults.
type EngineSection struct {
	CriticalInterval   *Duration `yaml:"critical_interval"`
	NormalInterval     *Duration `yaml:"normal_interval"`
	ErrorThreshold     *int      `yaml:"error_threshold"`
	TransactionTimeout *Duration `yaml:"transaction_timeout"`
	Deadband           *float64  `yaml:"deadband"`
	SubscriberBuffer   *int      `yaml:"subscriber_buffer"`
	FailSafeAttempts   *int      `yaml:"fail_safe_attempts"`
}

// Backend types.
const (
	TypeSimulated = "simulated"
	TypeMCP23017  = "mcp23017"
	TypeModbus    = "modbus"
)

// BackendSection declares one backend instance.
type BackendSection struct {
	Type  string        `yaml:"type"`
	Chips []ChipSection `yaml:"chips"`
	Units []UnitSection `yaml:"units"`
}

// ChipSection declares one GPIO expander.
type ChipSection struct {
	Name    string `yaml:"name"`
	Bus     string `yaml:"bus"`
	Address uint16 `yaml:"address"`
	Model   string `yaml:"model"`
}

// UnitSection declares one Modbus unit.
type UnitSection struct {
	Name     string   `yaml:"name"`
	URL      string   `yaml:"url"`
	UnitID   uint8    `yaml:"unit_id"`
	Timeout  Duration `yaml:"timeout"`
	Speed    uint     `yaml:"speed"`
	DataBits uint     `yaml:"data_bits"`
	Parity   string   `yaml:"parity"`
	StopBits uint     `yaml:"stop_bits"`
	Scale    float64  `yaml:"scale"`
	Offset   float64  `yaml:"offset"`
}

// PointSpec is a point as written in the document. Values stay untyped
// until Point converts them, so Check can report domain mismatches.
type PointSpec struct {
	Name             string            `yaml:"name"`
	IoType           string            `yaml:"io_type"`
	HardwareRef      string            `yaml:"hardware_ref"`
	Critical         bool              `yaml:"critical"`
	PullUp           bool              `yaml:"pull_up"`
	InterruptEnabled bool              `yaml:"interrupt_enabled"`
	InitialState     any               `yaml:"initial_state"`
	FailSafe         any               `yaml:"fail_safe"`
	Deadband         *float64          `yaml:"deadband"`
	Description      string            `yaml:"description"`
	Tags             map[string]string `yaml:"tags"`
}

// Point converts the spec to an engine point definition.
func (s PointSpec) Point() (point.IoPoint, error) {
	initial, err := point.FromNative(s.InitialState)
	if err != nil {
		return point.IoPoint{}, fmt.Errorf("initial_state: %w", err)
	}
	failSafe, err := point.FromNative(s.FailSafe)
	if err != nil {
		return point.IoPoint{}, fmt.Errorf("fail_safe: %w", err)
	}
	return point.IoPoint{
		Name:             s.Name,
		Type:             point.IoType(s.IoType),
		HardwareRef:      s.HardwareRef,
		Critical:         s.Critical,
		PullUp:           s.PullUp,
		InterruptEnabled: s.InterruptEnabled,
		InitialState:     initial,
		FailSafe:         failSafe,
		Deadband:         s.Deadband,
		Description:      s.Description,
		Tags:             s.Tags,
	}, nil
}

// IoPoints converts every point spec, stopping at the first failure.
func (d *Document) IoPoints() ([]point.IoPoint, error) {
	out := make([]point.IoPoint, 0, len(d.Points))
	for i, s := range d.Points {
		p, err := s.Point()
		if err != nil {
			return nil, fmt.Errorf("io_points[%d] %q: %w", i, s.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// LoadFile reads and parses a document from path.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeRead, Source: path, Message: "cannot read config", Err: err}
	}
	return Parse(data, path)
}

// Parse validates data against the schema and decodes it. source names
// the document in errors.
func Parse(data []byte, source string) (*Document, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &LoadError{Code: ErrCodeParse, Source: source, Message: "invalid YAML", Err: err}
	}
	if raw == nil {
		return nil, &LoadError{Code: ErrCodeSchema, Source: source, Message: "document is empty"}
	}
	if problems := checkSchema(normalize(raw)); len(problems) > 0 {
		return nil, &LoadError{
			Code:     ErrCodeSchema,
			Source:   source,
			Message:  fmt.Sprintf("%d schema violation(s)", len(problems)),
			Problems: problems,
		}
	}

	doc := &Document{Source: source}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(doc); err != nil {
		return nil, &LoadError{Code: ErrCodeParse, Source: source, Message: "cannot decode document", Err: err}
	}
	return doc, nil
}

// normalize rewrites maps with non-string keys so the value can be
// encoded for schema checking.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalize(item)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	default:
		return v
	}
}
