// Package checked wraps graph fetch values with the source record they came
// from and the data-quality defects found while producing them.
package checked

import (
	"errors"
	"fmt"
	"strings"
)

// Severity grades a defect. Only Warn defects leave a value usable.
type Severity string

const (
	Warn  Severity = "Warn"
	Error Severity = "Error"
	Fatal Severity = "Fatal"
)

// DefectKind says what produced a defect.
type DefectKind string

const (
	KindConstraint     DefectKind = "Constraint"
	KindClassStructure DefectKind = "ClassStructure"
	KindInvalidInput   DefectKind = "InvalidInput"
	KindReconciliation DefectKind = "Reconciliation"
)

// Defect is one data-quality issue.
type Defect struct {
	ID        string     `json:"id,omitempty"`
	Message   string     `json:"message"`
	Severity  Severity   `json:"enforcementLevel"`
	Kind      DefectKind `json:"ruleType"`
	RuleOwner string     `json:"ruleDefinerPath,omitempty"`
	Path      []string   `json:"path,omitempty"`
}

func (d Defect) String() string {
	return d.Message
}

// Missing returns the defect for a property value count outside its bounds.
func Missing(class, property string, count int, bounds string) Defect {
	return Defect{
		ID:        property,
		Message:   fmt.Sprintf("Invalid Multiplicity for %s: expected %s found [%d]", property, bounds, count),
		Severity:  Error,
		Kind:      KindClassStructure,
		RuleOwner: class,
		Path:      []string{property},
	}
}

// ErrDefects is the sentinel wrapped by unwrap failures.
var ErrDefects = errors.New("checked value has defects")

// Checked is a value with its source and defects. The value may be nil.
type Checked struct {
	Value   any      `json:"value"`
	Source  any      `json:"source,omitempty"`
	Defects []Defect `json:"defects"`
}

// New returns a checked value with no defects.
func New(value, source any) *Checked {
	return &Checked{Value: value, Source: source, Defects: []Defect{}}
}

// AddDefect appends d, keeping registration order.
func (c *Checked) AddDefect(d Defect) {
	c.Defects = append(c.Defects, d)
}

// Usable reports whether every defect is a warning.
func (c *Checked) Usable() bool {
	for _, d := range c.Defects {
		if d.Severity != Warn {
			return false
		}
	}
	return true
}

// Unwrap returns the value, or an error listing every non-warning defect
// one per line.
func (c *Checked) Unwrap() (any, error) {
	var msgs []string
	for _, d := range c.Defects {
		if d.Severity != Warn {
			msgs = append(msgs, d.Message)
		}
	}
	if len(msgs) == 0 {
		return c.Value, nil
	}
	return nil, fmt.Errorf("%w:\n%s", ErrDefects, strings.Join(msgs, "\n"))
}

// Map applies fn to the value when it is present, keeping source and
// defects.
func (c *Checked) Map(fn func(any) any) *Checked {
	out := &Checked{Source: c.Source, Defects: append([]Defect(nil), c.Defects...)}
	if c.Value != nil {
		out.Value = fn(c.Value)
	}
	return out
}

// UnwrapAll unwraps every value in order, stopping at the first failure.
func UnwrapAll(values []*Checked) ([]any, error) {
	out := make([]any, 0, len(values))
	for i, v := range values {
		u, err := v.Unwrap()
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out = append(out, u)
	}
	return out, nil
}
