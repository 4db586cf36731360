package gateway

import (
	"encoding/json"
)

// Inbound event names.
const (
	EventAuthenticate      = "authenticate"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMessageDelivered  = "message_delivered"
	EventMessageRead       = "message_read"
	EventHeartbeat         = "heartbeat"
	EventPing              = "ping"
)

// Server-originated event names.
const (
	EventConnected       = "connected"
	EventAck             = "ack"
	EventPong            = "pong"
	EventMessageReceived = "message_received"
	EventUserTyping      = "user_typing"
	EventUserTypingStop  = "user_typing_stop"
)

// knownEvents bounds the event-name metric label to the protocol.
var knownEvents = map[string]bool{
	EventAuthenticate:      true,
	EventJoinConversation:  true,
	EventLeaveConversation: true,
	EventSendMessage:       true,
	EventTypingStart:       true,
	EventTypingStop:        true,
	EventMessageDelivered:  true,
	EventMessageRead:       true,
	EventHeartbeat:         true,
	EventPing:              true,
}

// Envelope is the inbound wire frame. Ack is an optional client-chosen
// number echoed verbatim on the reply so clients can match request to
// response.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   *int64          `json:"ack,omitempty"`
}

// outbound is the server-side frame shape.
type outbound struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
	Ack   *int64      `json:"ack,omitempty"`
}

func encodeFrame(event string, data interface{}, ack *int64) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: data, Ack: ack})
}

type authenticateData struct {
	Token string `json:"token"`
}

type conversationData struct {
	ConversationID string `json:"conversationId"`
}

type deliveredData struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type readData struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// decodeConversation extracts the conversation-scoped payload shared by the
// join, leave and typing events.
func decodeConversation(env *Envelope) (conversationData, bool) {
	var payload conversationData
	if len(env.Data) == 0 {
		return payload, false
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return payload, false
	}
	if payload.ConversationID == "" {
		return payload, false
	}
	return payload, true
}
