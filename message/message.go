/*
Package message implements the text wire format spoken between clients and the
server, and between server nodes over the cluster bus.

A message is a list of fields separated by FieldSeparator (ASCII 31). The first
field is the topic, the second the action, the rest is action specific data.
Several messages may travel in one frame, separated by MessageSeparator
(ASCII 30):

	RPC<US>REQ<US>addTwo<US>1234<US>{"numA":5,"numB":7}
*/
package message

import (
	"strings"

	"github.com/juju/errors"
)

const (
	FieldSeparator   = "\x1f"
	MessageSeparator = "\x1e"
)

// Topics
const (
	TopicRPC    = "RPC"
	TopicEvent  = "EVENT"
	TopicRecord = "RECORD"
	TopicError  = "ERROR"
	// Prefix of the per-node topics used for point-to-point cluster traffic.
	TopicPrivate = "PRIVATE/"
)

// Actions
const (
	ActionSubscribe      = "S"
	ActionUnsubscribe    = "US"
	ActionRequest        = "REQ"
	ActionResponse       = "RES"
	ActionAck            = "A"
	ActionError          = "E"
	ActionRejection      = "REJ"
	ActionQuery          = "Q"
	ActionProviderUpdate = "PU"
)

// Error codes sent as the first data field of an ActionError message.
const (
	CodeInvalidMessageData      = "INVALID_MESSAGE_DATA"
	CodeUnknownAction           = "UNKNOWN_ACTION"
	CodeMultipleAck             = "MULTIPLE_ACK"
	CodeNoRpcProvider           = "NO_RPC_PROVIDER"
	CodeAckTimeout              = "ACK_TIMEOUT"
	CodeResponseTimeout         = "RESPONSE_TIMEOUT"
	CodeProviderDisconnected    = "PROVIDER_DISCONNECTED"
	CodeInvalidRpcCorrelationId = "INVALID_RPC_CORRELATION_ID"
	CodeInvalidRejection        = "INVALID_REJECTION"
	CodeMessageParseError       = "MESSAGE_PARSE_ERROR"
	CodeUnknownTopic            = "UNKNOWN_TOPIC"
)

var ErrParse = errors.New("message parse error")

// Message is a single parsed message.
type Message struct {
	Topic  string
	Action string
	Data   []string
	// The text the message was parsed from, without separators.
	Raw string

	// Only set on messages travelling over the cluster bus: the topic the message
	// would have had on a client connection, and the private topic of the node
	// replies have to be addressed to.
	OriginalTopic      string
	RemotePrivateTopic string
	// Name of the node that published the message on the bus.
	Origin string
}

// Parse splits a frame into its messages. Empty messages (e.g. caused by a
// trailing MessageSeparator) are skipped. A message with fewer than two fields
// makes the whole frame invalid.
func Parse(frame string) ([]*Message, error) {
	parts := strings.Split(frame, MessageSeparator)
	msgs := make([]*Message, 0, len(parts))

	for _, raw := range parts {
		if raw == "" {
			continue
		}

		fields := strings.Split(raw, FieldSeparator)
		if len(fields) < 2 || fields[0] == "" || fields[1] == "" {
			return nil, errors.Annotatef(ErrParse, "%q", raw)
		}

		msg := &Message{Topic: fields[0], Action: fields[1], Raw: raw}
		if len(fields) > 2 {
			msg.Data = fields[2:]
		}
		msgs = append(msgs, msg)
	}

	if len(msgs) == 0 {
		return nil, errors.Annotatef(ErrParse, "empty frame")
	}
	return msgs, nil
}

// Build serializes a single message.
func Build(topic, action string, data ...string) string {
	fields := make([]string, 0, 2+len(data))
	fields = append(fields, topic, action)
	fields = append(fields, data...)
	return strings.Join(fields, FieldSeparator)
}

// BuildError serializes an error message on topic.
func BuildError(topic, code string, detail ...string) string {
	return Build(topic, ActionError, append([]string{code}, detail...)...)
}

// New creates a message whose Raw field is its own serialization.
func New(topic, action string, data ...string) *Message {
	return &Message{Topic: topic, Action: action, Data: data, Raw: Build(topic, action, data...)}
}

// PrivateTopic returns the private topic of the node called serverName.
func PrivateTopic(serverName string) string {
	return TopicPrivate + serverName
}

func IsPrivateTopic(topic string) bool {
	return strings.HasPrefix(topic, TopicPrivate)
}

// Field returns the i-th data field, or "" if there is none.
func (m *Message) Field(i int) string {
	if i < 0 || i >= len(m.Data) {
		return ""
	}
	return m.Data[i]
}

// Copy returns a deep copy of m.
func (m *Message) Copy() *Message {
	c := *m
	if m.Data != nil {
		c.Data = append([]string(nil), m.Data...)
	}
	return &c
}

// String renders the message with '|' separators, for logging.
func (m *Message) String() string {
	return strings.ReplaceAll(Build(m.Topic, m.Action, m.Data...), FieldSeparator, "|")
}
