// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package demand computes the aggregate collection demand of all connected
// subscribers, and decides whether a new subscriber can be admitted without
// growing that demand beyond what the upstream firehose accepts.
package demand

import (
	"fmt"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/jetstreamproxy/core/interest"
)

// MaxCollections is the maximum number of distinct collection patterns the
// aggregate demand may hold.
const MaxCollections = 100

// ErrTooManyCollections is returned when admitting a subscriber would push
// the aggregate demand above MaxCollections.
const ErrTooManyCollections = errors.ConstError("the maximum number of collections (100) has been exceeded")

// Demand is the union of every subscriber's interest.
//
// Collections always holds the union of the finite interests, even when
// All is set, since the admission cap counts patterns regardless of any
// subscriber asking for everything.
type Demand struct {
	all         bool
	collections set.Strings
}

// Aggregate recomputes the demand from the full set of live interests.
func Aggregate(interests ...interest.Interest) Demand {
	d := Demand{collections: set.NewStrings()}
	for _, i := range interests {
		if i.IsAll() {
			d.all = true
			continue
		}
		d.collections = d.collections.Union(i.Collections())
	}
	return d
}

// Admit returns the demand that results from adding candidate to current,
// or ErrTooManyCollections if that would exceed MaxCollections. The current
// demand is never modified.
func Admit(current Demand, candidate interest.Interest) (Demand, error) {
	if candidate.IsAll() {
		return Demand{all: true, collections: current.Collections()}, nil
	}
	union := current.Collections().Union(candidate.Collections())
	if union.Size() > MaxCollections {
		return current, ErrTooManyCollections
	}
	return Demand{all: current.all, collections: union}, nil
}

// IsAll reports whether some subscriber wants every collection.
func (d Demand) IsAll() bool {
	return d.all
}

// IsEmpty reports whether nobody wants anything at all.
func (d Demand) IsEmpty() bool {
	return !d.all && d.Size() == 0
}

// Size returns the number of distinct finite patterns.
func (d Demand) Size() int {
	if d.collections == nil {
		return 0
	}
	return d.collections.Size()
}

// Collections returns a copy of the finite patterns.
func (d Demand) Collections() set.Strings {
	if d.collections == nil {
		return set.NewStrings()
	}
	return set.NewStrings(d.collections.Values()...)
}

// Wanted returns the sorted patterns to request upstream, or nil if every
// collection is wanted.
func (d Demand) Wanted() []string {
	if d.all {
		return nil
	}
	return d.Collections().SortedValues()
}

// Equal reports whether the two demands would produce the same upstream
// request.
func (d Demand) Equal(other Demand) bool {
	if d.all != other.all {
		return false
	}
	if d.all {
		return true
	}
	return d.Collections().Difference(other.Collections()).IsEmpty() &&
		other.Collections().Difference(d.Collections()).IsEmpty()
}

// String is used for logging.
func (d Demand) String() string {
	switch {
	case d.all:
		return "all"
	case d.Size() == 0:
		return "none"
	}
	return fmt.Sprintf("[%s]", strings.Join(d.Wanted(), ", "))
}
