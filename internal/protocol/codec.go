// Copyright 2025 Tom Barlow
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

package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype for the JSON codec.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(JSONCodec{})
}

// JSONCodec is a grpc message codec that frames messages as JSON. The wire
// schema of this service is a named set of message kinds, not protobuf, so
// plain JSON framing keeps the surface debuggable and dependency-light.
type JSONCodec struct{}

// Marshal implements encoding.Codec.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal implements encoding.Codec.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: unmarshal %T: %w", v, err)
	}
	return nil
}

// Name implements encoding.Codec.
func (JSONCodec) Name() string { return CodecName }

// bufferPool bounds per-call allocation when encoding payloads to base64.
// Buffers above maxPooledBuffer are not returned to the pool.
const maxPooledBuffer = 1 << 20 // 1 MiB

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// EncodeBase64 serializes v as JSON and returns the base64 form, using a
// pooled buffer for the intermediate bytes.
func EncodeBase64(v any) (string, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer func() {
		if buf.Cap() <= maxPooledBuffer {
			bufferPool.Put(buf)
		}
	}()

	enc := json.NewEncoder(buf)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("protocol: encode %T: %w", v, err)
	}
	// json.Encoder appends a newline; exclude it from the payload.
	payload := bytes.TrimRight(buf.Bytes(), "\n")
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecodeBase64 reverses EncodeBase64 into v.
func DecodeBase64(s string, v any) error {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("protocol: decode base64: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: decode %T: %w", v, err)
	}
	return nil
}
