package taxonomy

import (
	"fmt"
	"regexp"
)

// Platform failure reasons that stand in for the class of a failed job
// whose log matched nothing
var fallbackReasons = map[string]bool{
	"stuck_or_timeout_failure": true,
	"scheduler_failure":        true,
}

// Result is the outcome of classifying one log
type Result struct {
	Class   string
	Version string
}

type compiledClass struct {
	name     string
	patterns []*regexp.Regexp
}

// Classifier matches log text against a compiled taxonomy. It is immutable
// after construction and safe for concurrent use.
type Classifier struct {
	version string
	// classes in deconflict order
	classes []compiledClass
}

// NewClassifier validates the taxonomy and compiles every rule once
func NewClassifier(t *Taxonomy) (*Classifier, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil taxonomy", ErrInvalidTaxonomy)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	c := &Classifier{
		version: t.Version,
		classes: make([]compiledClass, 0, len(t.DeconflictOrder)),
	}
	for _, name := range t.DeconflictOrder {
		cc := compiledClass{name: name}
		if rules := t.ErrorClasses[name]; rules != nil {
			for _, expr := range rules.GrepFor {
				cc.patterns = append(cc.patterns, regexp.MustCompile(expr))
			}
		}
		c.classes = append(c.classes, cc)
	}
	return c, nil
}

// Version returns the taxonomy version the classifier was built from
func (c *Classifier) Version() string {
	return c.version
}

// Matches returns every class with at least one matching rule, in
// deconflict order
func (c *Classifier) Matches(log string) []string {
	var matched []string
	for _, cc := range c.classes {
		if cc.matches(log) {
			matched = append(matched, cc.name)
		}
	}
	return matched
}

// Classify returns the highest priority matching class, or Other when no
// rule matches
func (c *Classifier) Classify(log string) Result {
	for _, cc := range c.classes {
		if cc.matches(log) {
			return Result{Class: cc.name, Version: c.version}
		}
	}
	return Result{Class: Other, Version: c.version}
}

// ClassifyJob classifies the log of a failed job. An unmatched log takes the
// platform failure reason when that reason is itself a known failure class.
func (c *Classifier) ClassifyJob(log, failureReason string) Result {
	res := c.Classify(log)
	if res.Class == Other && fallbackReasons[failureReason] {
		res.Class = failureReason
	}
	return res
}

func (cc compiledClass) matches(log string) bool {
	for _, re := range cc.patterns {
		if re.MatchString(log) {
			return true
		}
	}
	return false
}
