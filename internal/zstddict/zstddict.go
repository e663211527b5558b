// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package zstddict decompresses firehose frames that were compressed
// against a shared, pretrained zstd dictionary.
package zstddict

import (
	"bytes"
	"embed"
	"io/fs"
	"os"

	"github.com/juju/errors"
	"github.com/klauspost/compress/zstd"
)

//go:embed assets
var assets embed.FS

const bundledDictionary = "assets/zstd_dictionary"

// dictionaryMagic starts every dictionary produced by "zstd --train".
// Anything else is treated as raw dictionary content.
var dictionaryMagic = []byte{0x37, 0xa4, 0x30, 0xec}

// Bundled returns the dictionary embedded in the binary.
func Bundled() ([]byte, error) {
	data, err := assets.ReadFile(bundledDictionary)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.NotFoundf("bundled zstd dictionary")
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}

// Load reads a dictionary from disk, falling back to the bundled one when
// path is empty.
func Load(path string) ([]byte, error) {
	if path == "" {
		return Bundled()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading zstd dictionary %q", path)
	}
	if len(data) == 0 {
		return nil, errors.NotValidf("empty zstd dictionary %q", path)
	}
	return data, nil
}

// IsTrained reports whether dict is in the zstd dictionary format, as
// opposed to raw content.
func IsTrained(dict []byte) bool {
	return bytes.HasPrefix(dict, dictionaryMagic)
}

// Decoder decompresses whole frames. It is safe for concurrent use.
type Decoder struct {
	dec *zstd.Decoder
}

// NewDecoder returns a decoder for frames compressed against dict. A
// trained dictionary carries its own id; raw content is registered under
// rawID, which must match the id the frames were written with.
func NewDecoder(dict []byte, rawID uint32) (*Decoder, error) {
	var opt zstd.DOption
	if IsTrained(dict) {
		opt = zstd.WithDecoderDicts(dict)
	} else {
		opt = zstd.WithDecoderDictRaw(rawID, dict)
	}
	dec, err := zstd.NewReader(nil, opt)
	if err != nil {
		return nil, errors.Annotate(err, "creating zstd decoder")
	}
	return &Decoder{dec: dec}, nil
}

// Decode decompresses a single frame.
func (d *Decoder) Decode(frame []byte) ([]byte, error) {
	data, err := d.dec.DecodeAll(frame, nil)
	if err != nil {
		return nil, errors.Annotate(err, "decompressing frame")
	}
	return data, nil
}

// Close releases the decoder's resources.
func (d *Decoder) Close() {
	d.dec.Close()
}

// Encoder compresses frames against a dictionary, the way the firehose
// does. It exists for tests and tooling.
type Encoder struct {
	enc *zstd.Encoder
}

// NewEncoder returns an encoder for dict; see NewDecoder for rawID.
func NewEncoder(dict []byte, rawID uint32) (*Encoder, error) {
	var opt zstd.EOption
	if IsTrained(dict) {
		opt = zstd.WithEncoderDict(dict)
	} else {
		opt = zstd.WithEncoderDictRaw(rawID, dict)
	}
	enc, err := zstd.NewWriter(nil, opt)
	if err != nil {
		return nil, errors.Annotate(err, "creating zstd encoder")
	}
	return &Encoder{enc: enc}, nil
}

// Encode compresses data into a single frame.
func (e *Encoder) Encode(data []byte) []byte {
	return e.enc.EncodeAll(data, nil)
}

// Close releases the encoder's resources.
func (e *Encoder) Close() error {
	return errors.Trace(e.enc.Close())
}
