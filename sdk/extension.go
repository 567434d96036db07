package sdk

import (
	"errors"
	"fmt"

	"latbench/protocol"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrEncoding = errors.New("unsupported extension encoding")

// Encoding selects how extension values are turned into bytes on the wire.
type Encoding string

const (
	UTF8   Encoding = "utf-8"
	Binary Encoding = "binary"
	JSON   Encoding = "json"
)

func (e Encoding) valid() bool {
	switch e {
	case UTF8, Binary, JSON:
		return true
	}
	return false
}

// Encode accepts strings and byte slices for utf-8 and binary, and any value
// for json.
func (e Encoding) Encode(v any) ([]byte, error) {
	switch e {
	case UTF8, Binary:
		switch val := v.(type) {
		case string:
			return []byte(val), nil
		case []byte:
			return val, nil
		case fmt.Stringer:
			return []byte(val.String()), nil
		}
		return nil, fmt.Errorf("%w: %s cannot carry %T", ErrEncoding, e, v)
	case JSON:
		return json.Marshal(v)
	}
	return nil, ErrEncoding
}

// Decode returns a string for utf-8, a byte slice for binary and a generic
// JSON value for json.
func (e Encoding) Decode(data []byte) (any, error) {
	switch e {
	case UTF8:
		return string(data), nil
	case Binary:
		return data, nil
	case JSON:
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, ErrEncoding
}

type ExtensionOptions struct {
	Encoding Encoding
	// OnMessage receives the decoded value and the id of the sending peer.
	OnMessage func(msg any, peer string)
}

// Extension is a named message channel on a resource.
type Extension struct {
	res       *Resource
	name      string
	encoding  Encoding
	onMessage func(any, string)
}

func (e *Extension) Name() string { return e.name }

func (e *Extension) Encoding() Encoding { return e.encoding }

// Broadcast sends v to every connected peer of the resource.
func (e *Extension) Broadcast(v any) error {
	return e.send(v, "")
}

// Send delivers v to a single peer.
func (e *Extension) Send(v any, peer string) error {
	if peer == "" {
		return errors.New("sdk: peer id required")
	}
	return e.send(v, peer)
}

func (e *Extension) send(v any, to string) error {
	if !e.res.isReady() {
		return ErrNotReady
	}
	data, err := e.encoding.Encode(v)
	if err != nil {
		return err
	}
	msg := protocol.NewExtension(e.res.Key, e.name, data)
	msg.To = to
	return e.res.sdk.send(msg)
}

func (e *Extension) deliver(from string, data []byte) {
	if e.onMessage == nil {
		return
	}
	v, err := e.encoding.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("extension", e.name).Str("remote", short(from)).Msg("extension decode")
		return
	}
	e.onMessage(v, from)
}

// Destroy unregisters the extension from its resource.
func (e *Extension) Destroy() {
	e.res.unregister(e.name)
}
