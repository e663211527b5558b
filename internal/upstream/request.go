// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upstream

import (
	"encoding/json"
	"net/url"

	"github.com/juju/errors"

	"github.com/juju/jetstreamproxy/core/demand"
	"github.com/juju/jetstreamproxy/core/subscriber"
)

const (
	paramCompress     = "compress"
	paramRequireHello = "requireHello"

	optionsUpdateType = "options_update"
)

// PlaceholderCollection is a well formed collection that nothing is ever
// written to. It stands in for an empty demand in an options update,
// where an empty list would mean every collection.
const PlaceholderCollection = "invalid.jetstreamproxy.none"

// RequestURL returns the url to subscribe to for the given demand. Any
// query already on base is kept.
//
// An empty demand asks the firehose to hold the stream until the first
// options update, rather than sending everything.
func RequestURL(base *url.URL, d demand.Demand) *url.URL {
	u := *base
	query := base.Query()
	query.Del(subscriber.ParamWantedCollections)
	query.Del(paramRequireHello)
	query.Set(paramCompress, "true")
	switch {
	case d.IsAll():
	case d.IsEmpty():
		query.Set(paramRequireHello, "true")
	default:
		for _, c := range d.Wanted() {
			query.Add(subscriber.ParamWantedCollections, c)
		}
	}
	u.RawQuery = query.Encode()
	return &u
}

type optionsUpdate struct {
	Type    string         `json:"type"`
	Payload optionsPayload `json:"payload"`
}

type optionsPayload struct {
	WantedCollections []string `json:"wantedCollections,omitempty"`
}

// OptionsUpdate returns the message that switches an open subscription
// over to the given demand.
func OptionsUpdate(d demand.Demand) ([]byte, error) {
	msg := optionsUpdate{Type: optionsUpdateType}
	switch {
	case d.IsAll():
	case d.IsEmpty():
		msg.Payload.WantedCollections = []string{PlaceholderCollection}
	default:
		msg.Payload.WantedCollections = d.Wanted()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Annotate(err, "marshalling options update")
	}
	return data, nil
}
