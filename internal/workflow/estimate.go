// ABOUTME: Simulation domain and complexity enums with completion time estimates
// ABOUTME: Remaining time is a linear projection of the total estimate over progress

package workflow

import "fmt"

// Domain is the physics domain a simulation targets.
type Domain string

const (
	DomainFluidDynamics       Domain = "fluid_dynamics"
	DomainHeatTransfer        Domain = "heat_transfer"
	DomainStructuralMechanics Domain = "structural_mechanics"
	DomainElectromagnetics    Domain = "electromagnetics"
)

// Domains lists every supported domain in display order.
var Domains = []Domain{
	DomainHeatTransfer,
	DomainFluidDynamics,
	DomainStructuralMechanics,
	DomainElectromagnetics,
}

// Complexity scales the expected run time.
type Complexity string

const (
	ComplexityBasic        Complexity = "basic"
	ComplexityIntermediate Complexity = "intermediate"
	ComplexityAdvanced     Complexity = "advanced"
)

// DefaultTotalSeconds is used when domain or complexity is unknown.
const DefaultTotalSeconds = 1800

const baseSeconds = 300

var complexityFactor = map[Complexity]float64{
	ComplexityBasic:        1,
	ComplexityIntermediate: 2,
	ComplexityAdvanced:     4,
}

var domainFactor = map[Domain]float64{
	DomainHeatTransfer:        1.0,
	DomainFluidDynamics:       1.5,
	DomainStructuralMechanics: 1.2,
	DomainElectromagnetics:    1.3,
}

// ParseDomain validates a domain name.
func ParseDomain(s string) (Domain, error) {
	if _, ok := domainFactor[Domain(s)]; !ok {
		return "", fmt.Errorf("unknown domain %q", s)
	}
	return Domain(s), nil
}

// ParseComplexity validates a complexity level; empty means intermediate.
func ParseComplexity(s string) (Complexity, error) {
	if s == "" {
		return ComplexityIntermediate, nil
	}
	if _, ok := complexityFactor[Complexity(s)]; !ok {
		return "", fmt.Errorf("unknown complexity %q", s)
	}
	return Complexity(s), nil
}

// EstimateTotalSeconds projects the full run time for a domain and complexity.
func EstimateTotalSeconds(d Domain, c Complexity) float64 {
	cf, ok := complexityFactor[c]
	if !ok {
		return DefaultTotalSeconds
	}
	df, ok := domainFactor[d]
	if !ok {
		return DefaultTotalSeconds
	}
	return baseSeconds * cf * df
}

// RemainingSeconds is total*(1-progress/100), clamped to zero at completion.
func RemainingSeconds(total, progress float64) float64 {
	if progress >= 100 {
		return 0
	}
	rem := total * (1 - progress/100)
	if rem < 0 {
		return 0
	}
	return rem
}
