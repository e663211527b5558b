// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package zstddict_test

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/jetstreamproxy/internal/zstddict"
)

type zstddictSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&zstddictSuite{})

const rawID = 7

var rawDictionary = []byte(strings.Repeat(`{"did":"did:plc:","time_us":1,"kind":"commit","commit":{"rev":"","operation":"create","collection":"app.bsky.feed.post","rkey":"","record":{"$type":"app.bsky.feed.post","text":""},"cid":""}}`, 4))

func (s *zstddictSuite) TestRoundTrip(c *gc.C) {
	enc, err := zstddict.NewEncoder(rawDictionary, rawID)
	c.Assert(err, jc.ErrorIsNil)
	defer enc.Close()
	dec, err := zstddict.NewDecoder(rawDictionary, rawID)
	c.Assert(err, jc.ErrorIsNil)
	defer dec.Close()

	payload := []byte(`{"did":"did:web:example.com","time_us":1234,"kind":"commit","commit":{"collection":"app.bsky.feed.post"}}`)
	frame := enc.Encode(payload)
	c.Check(frame, gc.Not(jc.DeepEquals), payload)

	got, err := dec.Decode(frame)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(got), gc.Equals, string(payload))
}

func (s *zstddictSuite) TestDecodeGarbage(c *gc.C) {
	dec, err := zstddict.NewDecoder(rawDictionary, rawID)
	c.Assert(err, jc.ErrorIsNil)
	defer dec.Close()

	_, err = dec.Decode([]byte("definitely not zstd"))
	c.Check(err, gc.ErrorMatches, "decompressing frame: .*")
}

func (s *zstddictSuite) TestDecodeWithUnknownDictionary(c *gc.C) {
	enc, err := zstddict.NewEncoder(rawDictionary, rawID)
	c.Assert(err, jc.ErrorIsNil)
	defer enc.Close()
	dec, err := zstddict.NewDecoder(rawDictionary, rawID+1)
	c.Assert(err, jc.ErrorIsNil)
	defer dec.Close()

	_, err = dec.Decode(enc.Encode([]byte(`{"kind":"account"}`)))
	c.Check(err, gc.NotNil)
}

func (s *zstddictSuite) TestIsTrained(c *gc.C) {
	c.Check(zstddict.IsTrained([]byte{0x37, 0xa4, 0x30, 0xec, 1, 0, 0, 0}), jc.IsTrue)
	c.Check(zstddict.IsTrained(rawDictionary), jc.IsFalse)
	c.Check(zstddict.IsTrained(nil), jc.IsFalse)
}

func (s *zstddictSuite) TestLoadFile(c *gc.C) {
	path := filepath.Join(c.MkDir(), "dict")
	c.Assert(os.WriteFile(path, rawDictionary, 0644), jc.ErrorIsNil)

	data, err := zstddict.Load(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(data, jc.DeepEquals, rawDictionary)
}

func (s *zstddictSuite) TestLoadEmptyFile(c *gc.C) {
	path := filepath.Join(c.MkDir(), "dict")
	c.Assert(os.WriteFile(path, nil, 0644), jc.ErrorIsNil)

	_, err := zstddict.Load(path)
	c.Check(errors.Is(err, errors.NotValid), jc.IsTrue)
}

func (s *zstddictSuite) TestLoadMissingFile(c *gc.C) {
	_, err := zstddict.Load(filepath.Join(c.MkDir(), "missing"))
	c.Check(err, gc.ErrorMatches, `reading zstd dictionary ".*missing": .*`)
}

func (s *zstddictSuite) TestLoadDefaultsToBundled(c *gc.C) {
	fromLoad, loadErr := zstddict.Load("")
	bundled, bundledErr := zstddict.Bundled()
	c.Check(fromLoad, jc.DeepEquals, bundled)
	if bundledErr != nil {
		c.Check(errors.Is(loadErr, errors.NotFound), jc.IsTrue)
		c.Check(errors.Is(bundledErr, errors.NotFound), jc.IsTrue)
	}
}
