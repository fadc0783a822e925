package wsproto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

// Encoding indicates which wire encoding is used for WebSocket messages.
type Encoding uint8

const (
	EncodingJSON Encoding = iota
	EncodingMsgPack
)

func (e Encoding) String() string {
	switch e {
	case EncodingMsgPack:
		return "msgpack"
	default:
		return "json"
	}
}

const (
	HeaderEncodings = "X-Drop-WS-Encodings" // client preference list
	HeaderEncoding  = "X-Drop-WS-Encoding"  // server choice
)

const (
	magic0  = byte('S')
	magic1  = byte('D')
	version = byte(1)
)

var ErrUnknownMessageType = errors.New("wsproto: unknown message type")

// PreferredEncoding parses a comma-separated preference list (e.g. "msgpack,json").
// Returns EncodingJSON if list is empty/unknown.
func PreferredEncoding(list string) Encoding {
	for _, p := range strings.Split(list, ",") {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "msgpack":
			return EncodingMsgPack
		case "json":
			return EncodingJSON
		}
	}
	return EncodingJSON
}

type wireMessage struct {
	Id   string          `json:"id" msgpack:"id"`
	Type MessageType     `json:"typ" msgpack:"typ"`
	Data json.RawMessage `json:"dat" msgpack:"-"`
	Bin  []byte          `json:"-" msgpack:"dat"`
}

// Marshal encodes a Message for WebSocket transport.
// JSON is sent as a text frame, msgpack as a binary frame with an envelope:
// [magic][magic][version][encoding][payload].
func Marshal(msg *Message, enc Encoding) (websocket.MessageType, []byte, error) {
	if enc == EncodingJSON {
		data, err := json.Marshal(msg)
		return websocket.MessageText, data, err
	}

	dat, err := msgpack.Marshal(msg.Data)
	if err != nil {
		return websocket.MessageBinary, nil, err
	}
	payload, err := msgpack.Marshal(&wireMessage{Id: msg.Id, Type: msg.Type, Bin: dat})
	if err != nil {
		return websocket.MessageBinary, nil, err
	}

	buf := make([]byte, 4+len(payload))
	buf[0], buf[1], buf[2], buf[3] = magic0, magic1, version, byte(enc)
	copy(buf[4:], payload)
	return websocket.MessageBinary, buf, nil
}

// Unmarshal decodes a WebSocket frame into a Message with a typed Data value.
func Unmarshal(typ websocket.MessageType, data []byte) (*Message, Encoding, error) {
	switch typ {
	case websocket.MessageText:
		msg, err := unmarshalJSON(data)
		return msg, EncodingJSON, err

	case websocket.MessageBinary:
		if len(data) < 4 || data[0] != magic0 || data[1] != magic1 {
			return nil, EncodingMsgPack, errors.New("wsproto: binary message missing envelope")
		}
		if data[2] != version {
			return nil, EncodingMsgPack, fmt.Errorf("wsproto: unsupported envelope version: %d", data[2])
		}
		enc := Encoding(data[3])
		switch enc {
		case EncodingMsgPack:
			msg, err := unmarshalMsgpack(data[4:])
			return msg, enc, err
		case EncodingJSON:
			msg, err := unmarshalJSON(data[4:])
			return msg, enc, err
		default:
			return nil, enc, fmt.Errorf("wsproto: unknown encoding: %d", enc)
		}

	default:
		return nil, EncodingJSON, fmt.Errorf("wsproto: unsupported websocket message type: %v", typ)
	}
}

func unmarshalJSON(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return decodeData(w.Id, w.Type, w.Data, json.Unmarshal)
}

func unmarshalMsgpack(payload []byte) (*Message, error) {
	var w wireMessage
	if err := msgpack.Unmarshal(payload, &w); err != nil {
		return nil, err
	}
	return decodeData(w.Id, w.Type, w.Bin, msgpack.Unmarshal)
}

func decodeData(id string, typ MessageType, raw []byte, unmarshal func([]byte, any) error) (*Message, error) {
	msg := &Message{Id: id, Type: typ}

	switch typ {
	case MsgSystem:
		var v System
		if err := unmarshalOptional(raw, &v, unmarshal); err != nil {
			return nil, err
		}
		msg.Data = v
	case MsgProgressUpdate:
		var v ProgressUpdate
		if err := unmarshalOptional(raw, &v, unmarshal); err != nil {
			return nil, err
		}
		msg.Data = v
	case MsgCompleted:
		var v Completed
		if err := unmarshalOptional(raw, &v, unmarshal); err != nil {
			return nil, err
		}
		msg.Data = v
	case MsgFailed:
		var v Failed
		if err := unmarshalOptional(raw, &v, unmarshal); err != nil {
			return nil, err
		}
		msg.Data = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, typ)
	}

	return msg, nil
}

// completed() carries no arguments, so servers may omit `dat` or send null
func unmarshalOptional(raw []byte, v any, unmarshal func([]byte, any) error) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return unmarshal(raw, v)
}
