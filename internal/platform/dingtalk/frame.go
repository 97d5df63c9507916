// ABOUTME: Wire frames for the DingTalk stream-mode gateway.
// ABOUTME: Downstream frames carry a JSON-string data field that decodes separately.

package dingtalk

import (
	"encoding/json"
	"fmt"
)

// Stream-mode frame types.
const (
	frameTypeSystem   = "SYSTEM"
	frameTypeCallback = "CALLBACK"
	frameTypeEvent    = "EVENT"
)

// Topics the gateway subscribes to or receives on the system channel.
const (
	topicBotMessage = "/v1.0/im/bot/messages/get"
	topicPing       = "ping"
	topicDisconnect = "disconnect"
)

// frame is one downstream message from the stream gateway. Data is a JSON
// document encoded as a string.
type frame struct {
	SpecVersion string            `json:"specVersion"`
	Type        string            `json:"type"`
	Headers     map[string]string `json:"headers"`
	Data        string            `json:"data"`
}

func (f *frame) messageID() string { return f.Headers["messageId"] }
func (f *frame) topic() string     { return f.Headers["topic"] }

// ackFrame is the upstream acknowledgement for a downstream frame. The
// gateway redelivers frames that are not acked.
type ackFrame struct {
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers"`
	Message string            `json:"message"`
	Data    string            `json:"data"`
}

func newAck(messageID, data string) ackFrame {
	if data == "" {
		data = "{}"
	}
	return ackFrame{
		Code:    200,
		Headers: map[string]string{"contentType": "application/json", "messageId": messageID},
		Message: "OK",
		Data:    data,
	}
}

// botMessage is the payload of a bot callback frame.
type botMessage struct {
	MsgID            string `json:"msgId"`
	MsgType          string `json:"msgtype"`
	ConversationID   string `json:"conversationId"`
	ConversationType string `json:"conversationType"`
	SenderStaffID    string `json:"senderStaffId"`
	SenderNick       string `json:"senderNick"`
	SessionWebhook   string `json:"sessionWebhook"`
	Text             struct {
		Content string `json:"content"`
	} `json:"text"`
}

func decodeBotMessage(data string) (*botMessage, error) {
	var msg botMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("decoding bot message payload: %w", err)
	}
	return &msg, nil
}
