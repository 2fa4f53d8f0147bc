// Package recurrence evaluates RFC 5545 recurrence rules in a schedule's timezone.
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/teambition/rrule-go"
)

// ErrInvalidRule wraps every rule or timezone parse failure.
var ErrInvalidRule = errors.New("invalid recurrence rule")

// Rule identifies a recurrence: the RRULE text, the IANA zone its BY* parts
// are read in, and the anchor (DTSTART) that fixes unspecified fields.
// The anchor must not change between evaluations of the same schedule.
type Rule struct {
	RRule    string
	Timezone string
	Anchor   time.Time
}

// Evaluator computes occurrences of a Rule.
type Evaluator interface {
	// First returns the first occurrence at or after notBefore.
	First(r Rule, notBefore time.Time) (time.Time, bool, error)
	// Next returns the first occurrence strictly after after.
	// ok is false when the rule is exhausted.
	Next(r Rule, after time.Time) (time.Time, bool, error)
}

// RRuleEvaluator is the Evaluator backed by rrule-go.
type RRuleEvaluator struct{}

// NewEvaluator returns the default Evaluator.
func NewEvaluator() RRuleEvaluator {
	return RRuleEvaluator{}
}

func (RRuleEvaluator) First(r Rule, notBefore time.Time) (time.Time, bool, error) {
	set, err := compile(r)
	if err != nil {
		return time.Time{}, false, err
	}
	if r.Anchor.After(notBefore) {
		notBefore = r.Anchor
	}
	return occurrence(set.After(notBefore, true))
}

func (RRuleEvaluator) Next(r Rule, after time.Time) (time.Time, bool, error) {
	set, err := compile(r)
	if err != nil {
		return time.Time{}, false, err
	}
	return occurrence(set.After(after, false))
}

// Validate reports whether r can be evaluated.
func Validate(r Rule) error {
	_, err := compile(r)
	return err
}

func occurrence(t time.Time) (time.Time, bool, error) {
	if t.IsZero() {
		return time.Time{}, false, nil
	}
	return t.UTC(), true, nil
}

func compile(r Rule) (*rrule.RRule, error) {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidRule, r.Timezone, err)
	}

	if r.Anchor.IsZero() {
		return nil, fmt.Errorf("%w: missing anchor", ErrInvalidRule)
	}

	text := strings.TrimSpace(r.RRule)
	text = strings.TrimPrefix(text, "RRULE:")
	if text == "" {
		return nil, fmt.Errorf("%w: empty rule", ErrInvalidRule)
	}

	opt, err := rrule.StrToROptionInLocation(text, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	opt.Dtstart = r.Anchor.In(loc)

	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return rule, nil
}
