package model

import (
	"strings"

	"github.com/samber/lo"
)

// RestrictAllToken is the literal that blocks every vehicle class.
const RestrictAllToken = "all"

// Restriction describes which vehicle classes an incident keeps off its
// lanes: either every class or an explicit set of class tags.
type Restriction struct {
	all     bool
	classes []string
}

// RestrictAll returns the "block every class" restriction.
func RestrictAll() Restriction {
	return Restriction{all: true}
}

// RestrictClasses returns a restriction for the given class tags, in
// first-seen order with duplicates and blanks dropped.
func RestrictClasses(classes ...string) Restriction {
	cleaned := lo.Uniq(lo.Filter(classes, func(c string, _ int) bool {
		return strings.TrimSpace(c) != ""
	}))
	return Restriction{classes: cleaned}
}

// ParseRestriction parses the wire value: the literal "all" or a
// space-separated list of vehicle class tags. "all" anywhere in the list
// wins over any explicit tags.
func ParseRestriction(raw string) Restriction {
	fields := strings.Fields(raw)
	if lo.Contains(fields, RestrictAllToken) {
		return RestrictAll()
	}
	return RestrictClasses(fields...)
}

// All reports whether every vehicle class is blocked.
func (r Restriction) All() bool { return r.all }

// Classes returns a copy of the explicit class tags. It is empty when
// All() is true.
func (r Restriction) Classes() []string {
	out := make([]string, len(r.classes))
	copy(out, r.classes)
	return out
}

func (r Restriction) String() string {
	if r.all {
		return RestrictAllToken
	}
	return strings.Join(r.classes, " ")
}
