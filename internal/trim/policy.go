// Package trim implements the per-timeline-class trim policy (spec.md
// §4.5): after a write whose returned length crosses the class's upper
// bound, the timeline is trimmed back down to the lower bound.
package trim

import "fmt"

// Bounds is a per-timeline-class (lower, upper) pair. The invariant
// 0 < Lower <= Upper is checked by Validate, not by the zero value.
type Bounds struct {
	Lower int `yaml:"lower"`
	Upper int `yaml:"upper"`
}

// Validate checks the bound ordering spec.md §3 requires.
func (b Bounds) Validate() error {
	if b.Lower <= 0 {
		return fmt.Errorf("trim: lower bound must be positive, got %d", b.Lower)
	}
	if b.Upper < b.Lower {
		return fmt.Errorf("trim: upper bound %d is below lower bound %d", b.Upper, b.Lower)
	}
	return nil
}

// DefaultClass is the timeline class used when a caller does not name one.
const DefaultClass = "default"

// DefaultBounds matches the example class spec.md §3 cites (800/850).
var DefaultBounds = Bounds{Lower: 800, Upper: 850}

// Policy resolves a timeline class name to its Bounds. It is immutable
// after construction (spec.md §5 "Configuration is immutable after
// construction").
type Policy struct {
	classes map[string]Bounds
}

// NewPolicy builds a Policy from a class->Bounds map. A "default" class is
// added automatically if the caller did not supply one.
func NewPolicy(classes map[string]Bounds) (*Policy, error) {
	merged := make(map[string]Bounds, len(classes)+1)
	for class, bounds := range classes {
		if err := bounds.Validate(); err != nil {
			return nil, fmt.Errorf("trim: class %q: %w", class, err)
		}
		merged[class] = bounds
	}
	if _, ok := merged[DefaultClass]; !ok {
		merged[DefaultClass] = DefaultBounds
	}
	return &Policy{classes: merged}, nil
}

// BoundsFor returns the Bounds for class, falling back to the default
// class when class is unknown or empty.
func (p *Policy) BoundsFor(class string) Bounds {
	if b, ok := p.classes[class]; ok {
		return b
	}
	return p.classes[DefaultClass]
}

// ShouldTrim reports whether a write that left the timeline at length
// n should schedule a trim, and if so, the target length to trim to.
func (p *Policy) ShouldTrim(class string, n int) (bool, int) {
	b := p.BoundsFor(class)
	if n > b.Upper {
		return true, b.Lower
	}
	return false, 0
}
