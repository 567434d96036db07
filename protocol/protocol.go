package protocol

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var messagePool = sync.Pool{
	New: func() interface{} {
		return &Message{}
	},
}

func AcquireMessage() *Message {
	msg := messagePool.Get().(*Message)
	msg.reset()
	return msg
}

func ReleaseMessage(msg *Message) {
	if msg == nil {
		return
	}
	msg.reset()
	messagePool.Put(msg)
}

func (m *Message) reset() {
	m.Type = ""
	m.From = ""
	m.To = ""
	m.Topic = ""
	m.Payload = nil
	m.Timestamp = 0
	m.NodeID = ""
}

const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeJoin       = "join"
	TypeLeave      = "leave"
	TypePeerList   = "peer_list"
	TypePeerJoined = "peer_joined"
	TypePeerLeft   = "peer_left"
	TypeExtension  = "extension"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeError      = "error"
)

// Message is the envelope exchanged between swarm peers and the rendezvous
// node. Topic carries the discovery key of the resource a message concerns.
type Message struct {
	Type      string              `json:"type"`
	From      string              `json:"from,omitempty"`
	To        string              `json:"to,omitempty"`
	Topic     string              `json:"topic,omitempty"`
	Payload   jsoniter.RawMessage `json:"payload,omitempty"`
	Timestamp int64               `json:"ts,omitempty"`
	NodeID    string              `json:"node_id,omitempty"`
}

type RegisterPayload struct {
	PublicKey string                 `json:"public_key"`
	Alias     string                 `json:"alias,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

type RegisteredPayload struct {
	Fingerprint string `json:"fingerprint"`
	Alias       string `json:"alias"`
}

type JoinPayload struct {
	Topic string `json:"topic"`
}

type PeerInfo struct {
	Fingerprint string                 `json:"fingerprint"`
	Alias       string                 `json:"alias,omitempty"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
}

type PeerListPayload struct {
	Topic string     `json:"topic"`
	Peers []PeerInfo `json:"peers"`
	Total int        `json:"total"`
}

// ExtensionPayload is an application message on a named extension channel of
// a topic. Data is the already-encoded message body.
type ExtensionPayload struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

func Decode(data []byte) (*Message, error) {
	msg := AcquireMessage()
	err := json.Unmarshal(data, msg)
	return msg, err
}

func DecodePayload(msg *Message, v interface{}) error {
	return json.Unmarshal(msg.Payload, v)
}

func NewError(code int, message string) *Message {
	payload, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return &Message{Type: TypeError, Payload: payload}
}

func NewMessage(typ string, from string, payload interface{}) *Message {
	var data []byte
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	return &Message{Type: typ, From: from, Payload: data}
}

func NewExtension(topic, name string, data []byte) *Message {
	msg := NewMessage(TypeExtension, "", ExtensionPayload{Name: name, Data: data})
	msg.Topic = topic
	return msg
}

// pre-encoded common messages
var (
	PingBytes      []byte
	PongBytes      []byte
	RateLimitBytes []byte
)

func init() {
	PingBytes, _ = json.Marshal(&Message{Type: TypePing})
	PongBytes, _ = json.Marshal(&Message{Type: TypePong})
	RateLimitBytes, _ = json.Marshal(NewError(429, "rate limited"))
}
