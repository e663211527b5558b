// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package event defines the events relayed from the firehose.
package event

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/juju/errors"
)

// Kind identifies which of the event payloads is populated.
type Kind string

const (
	KindCommit   Kind = "commit"
	KindIdentity Kind = "identity"
	KindAccount  Kind = "account"
)

// Event is a single firehose event. Exactly one of Commit, Identity or
// Account is set, according to Kind.
type Event struct {
	DID      string    `json:"did"`
	TimeUS   int64     `json:"time_us"`
	Kind     Kind      `json:"kind"`
	Commit   *Commit   `json:"commit,omitempty"`
	Identity *Identity `json:"identity,omitempty"`
	Account  *Account  `json:"account,omitempty"`

	// Raw holds the frame exactly as it arrived from upstream, still
	// compressed, for subscribers that want it passed through untouched.
	Raw []byte `json:"-"`
}

// Commit describes a change to a record in a repository.
type Commit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid,omitempty"`
}

// Identity describes a change to an account's identity.
type Identity struct {
	DID    string `json:"did"`
	Handle string `json:"handle,omitempty"`
	Seq    int64  `json:"seq"`
	Time   string `json:"time"`
}

// Account describes a change to an account's hosting status.
type Account struct {
	Active bool   `json:"active"`
	DID    string `json:"did"`
	Seq    int64  `json:"seq"`
	Time   string `json:"time"`
	Status string `json:"status,omitempty"`
}

// Decode parses a decompressed frame. Anything that is not UTF-8 JSON
// describing one of the three known kinds is rejected.
func Decode(data []byte) (*Event, error) {
	if !utf8.Valid(data) {
		return nil, errors.NotValidf("non UTF-8 event payload")
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, errors.Annotate(err, "decoding event")
	}
	switch ev.Kind {
	case KindCommit:
		if ev.Commit == nil {
			return nil, errors.NotValidf("commit event without commit")
		}
	case KindIdentity:
		if ev.Identity == nil {
			return nil, errors.NotValidf("identity event without identity")
		}
	case KindAccount:
		if ev.Account == nil {
			return nil, errors.NotValidf("account event without account")
		}
	default:
		return nil, errors.NotSupportedf("event kind %q", ev.Kind)
	}
	return &ev, nil
}

// Collection returns the collection of a commit event, or "" for any
// other kind.
func (e *Event) Collection() string {
	if e.Kind != KindCommit || e.Commit == nil {
		return ""
	}
	return e.Commit.Collection
}

// Marshal returns the JSON form sent to subscribers that did not ask for
// raw frames.
func (e *Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	return data, errors.Trace(err)
}
