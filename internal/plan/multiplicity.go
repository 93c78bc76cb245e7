package plan

import "strconv"

// Multiplicity is a lower/upper bound on the number of values. A nil
// UpperBound means unbounded.
type Multiplicity struct {
	LowerBound int  `json:"lowerBound"`
	UpperBound *int `json:"upperBound,omitempty"`
}

func bound(n int) *int { return &n }

var (
	PureOne      = Multiplicity{LowerBound: 1, UpperBound: bound(1)}
	ZeroOne      = Multiplicity{LowerBound: 0, UpperBound: bound(1)}
	ZeroMany     = Multiplicity{LowerBound: 0}
	OneMany      = Multiplicity{LowerBound: 1}
	PureZero     = Multiplicity{LowerBound: 0, UpperBound: bound(0)}
	unboundedStr = "*"
)

// NewMultiplicity builds [lower..upper]; upper < 0 means unbounded.
func NewMultiplicity(lower, upper int) Multiplicity {
	if upper < 0 {
		return Multiplicity{LowerBound: lower}
	}
	return Multiplicity{LowerBound: lower, UpperBound: bound(upper)}
}

// IsToOne reports whether at most one value is allowed.
func (m Multiplicity) IsToOne() bool { return m.UpperBound != nil && *m.UpperBound <= 1 }

// IsRequired reports whether at least one value is needed.
func (m Multiplicity) IsRequired() bool { return m.LowerBound > 0 }

// Allows reports whether n values satisfy both bounds.
func (m Multiplicity) Allows(n int) bool {
	if n < m.LowerBound {
		return false
	}
	return m.UpperBound == nil || n <= *m.UpperBound
}

func (m Multiplicity) String() string {
	upper := unboundedStr
	if m.UpperBound != nil {
		upper = strconv.Itoa(*m.UpperBound)
	}
	if m.UpperBound != nil && *m.UpperBound == m.LowerBound {
		return "[" + upper + "]"
	}
	return "[" + strconv.Itoa(m.LowerBound) + ".." + upper + "]"
}
