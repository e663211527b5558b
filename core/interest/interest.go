// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package interest describes which collections a subscriber wants to
// receive, and compiles that description into a matcher.
package interest

import (
	"sort"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/jetstreamproxy/core/nsid"
)

// Interest is either "all collections" or a finite set of collection
// patterns. Interests are immutable once created.
type Interest struct {
	all      bool
	patterns []nsid.Pattern
}

// All returns the interest that matches every collection.
func All() Interest {
	return Interest{all: true}
}

// New returns an interest over the given patterns. Duplicate patterns are
// collapsed.
func New(patterns ...nsid.Pattern) Interest {
	seen := set.NewStrings()
	result := make([]nsid.Pattern, 0, len(patterns))
	for _, p := range patterns {
		if seen.Contains(p.String()) {
			continue
		}
		seen.Add(p.String())
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].String() < result[j].String()
	})
	return Interest{patterns: result}
}

// Parse validates every value as a collection pattern and returns the
// resulting interest. The first invalid value fails the whole parse.
func Parse(values []string) (Interest, error) {
	patterns := make([]nsid.Pattern, 0, len(values))
	for _, v := range values {
		p, err := nsid.ParsePattern(v)
		if err != nil {
			return Interest{}, errors.Trace(err)
		}
		patterns = append(patterns, p)
	}
	return New(patterns...), nil
}

// IsAll reports whether the interest covers every collection.
func (i Interest) IsAll() bool {
	return i.all
}

// Patterns returns a copy of the patterns, ordered by their wire form.
func (i Interest) Patterns() []nsid.Pattern {
	result := make([]nsid.Pattern, len(i.patterns))
	copy(result, i.patterns)
	return result
}

// Collections returns the wire form of every pattern.
func (i Interest) Collections() set.Strings {
	result := set.NewStrings()
	for _, p := range i.patterns {
		result.Add(p.String())
	}
	return result
}

// String is used for logging.
func (i Interest) String() string {
	if i.all {
		return "all"
	}
	names := make([]string, len(i.patterns))
	for n, p := range i.patterns {
		names[n] = p.String()
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// Matcher reports whether a collection is wanted.
type Matcher func(collection string) bool

// Compile returns a matcher for the interest. The results for the busiest
// collections on the network are computed once, up front, so the hot path of
// the firehose is a single map lookup.
func Compile(i Interest) Matcher {
	if i.all || len(i.patterns) == 0 {
		return matchAll
	}
	patterns := i.Patterns()
	match := func(collection string) bool {
		for _, p := range patterns {
			if p.Matches(collection) {
				return true
			}
		}
		return false
	}
	memo := make(map[string]bool, len(hotCollections))
	for _, collection := range hotCollections {
		memo[collection] = match(collection)
	}
	return func(collection string) bool {
		if wanted, ok := memo[collection]; ok {
			return wanted
		}
		return match(collection)
	}
}

func matchAll(string) bool {
	return true
}

// HotCollections returns the collections whose match results are
// memoized by Compile.
func HotCollections() []string {
	result := make([]string, len(hotCollections))
	copy(result, hotCollections)
	return result
}

// hotCollections make up nearly all of the firehose traffic.
var hotCollections = []string{
	"app.bsky.feed.like",
	"app.bsky.feed.post",
	"app.bsky.feed.repost",
	"app.bsky.graph.follow",
	"app.bsky.graph.block",
	"app.bsky.graph.listitem",
	"app.bsky.actor.profile",
	"app.bsky.feed.threadgate",
	"app.bsky.feed.postgate",
	"app.bsky.graph.starterpack",
	"app.bsky.graph.list",
	"app.bsky.feed.generator",
	"chat.bsky.actor.declaration",
}
