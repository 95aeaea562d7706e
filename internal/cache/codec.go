// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Codec compresses file-tier payloads. The id is stored in the file header
// so a tier written under one configuration reads back under another.
type Codec interface {
	Name() string
	id() byte
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

const (
	codecNoneID   byte = 0
	codecSnappyID byte = 1
	codecZstdID   byte = 2
)

// CodecByName resolves a configured codec: "zstd", "snappy", or "none".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "zstd":
		return zstdCodec{}, nil
	case "snappy":
		return snappyCodec{}, nil
	case "none":
		return noneCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown cache codec %q", name)
	}
}

func codecByID(id byte) (Codec, error) {
	switch id {
	case codecNoneID:
		return noneCodec{}, nil
	case codecSnappyID:
		return snappyCodec{}, nil
	case codecZstdID:
		return zstdCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec id %d", id)
	}
}

type noneCodec struct{}

func (noneCodec) Name() string                          { return "none" }
func (noneCodec) id() byte                              { return codecNoneID }
func (noneCodec) Compress(src []byte) ([]byte, error)   { return src, nil }
func (noneCodec) Decompress(src []byte) ([]byte, error) { return src, nil }

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }
func (snappyCodec) id() byte     { return codecSnappyID }

func (snappyCodec) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCodec) Decompress(src []byte) ([]byte, error) {
	return snappy.Decode(nil, src)
}

// Shared zstd coders: EncodeAll/DecodeAll on pooled instances are safe for
// concurrent use and avoid per-call allocation of the dictionary state.
var (
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDec, _ = zstd.NewReader(nil)
)

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }
func (zstdCodec) id() byte     { return codecZstdID }

func (zstdCodec) Compress(src []byte) ([]byte, error) {
	return zstdEnc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func (zstdCodec) Decompress(src []byte) ([]byte, error) {
	return zstdDec.DecodeAll(src, nil)
}
