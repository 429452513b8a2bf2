package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Actions understood by the remote service.
const (
	ActionAuth = "AUTH"
	ActionPing = "PING"
	ActionPong = "PONG"
)

const (
	pingVersion      = "1.0.0"
	extensionVersion = "3.3.2"
	deviceType       = "extension"
)

var (
	// ErrProtocol marks a frame that is not a valid protocol envelope.
	ErrProtocol = errors.New("protocol error")
	// ErrEmptyConnectReply 代理接受了 TCP 连接但没有返回任何 SOCKS 应答就关闭了。
	ErrEmptyConnectReply = errors.New("empty connect reply")
	// ErrIgnored is returned by Run when the proxy is already on the ignore list.
	ErrIgnored = errors.New("proxy is ignored")
)

// inboundMessage 只解码会话需要的字段，其余字段原样忽略。
type inboundMessage struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

type pingMessage struct {
	ID      string   `json:"id"`
	Version string   `json:"version"`
	Action  string   `json:"action"`
	Data    struct{} `json:"data"`
}

type authResult struct {
	BrowserID  string `json:"browser_id"`
	UserID     string `json:"user_id"`
	UserAgent  string `json:"user_agent"`
	Timestamp  int64  `json:"timestamp"`
	DeviceType string `json:"device_type"`
	Version    string `json:"version"`
}

type replyMessage struct {
	ID           string      `json:"id"`
	OriginAction string      `json:"origin_action"`
	Result       *authResult `json:"result,omitempty"`
}

func decodeInbound(data []byte) (inboundMessage, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if msg.Action == "" {
		return msg, fmt.Errorf("%w: message has no action", ErrProtocol)
	}
	return msg, nil
}

func newPing(id string) pingMessage {
	return pingMessage{ID: id, Version: pingVersion, Action: ActionPing}
}

func newAuthReply(id string, result authResult) replyMessage {
	result.DeviceType = deviceType
	result.Version = extensionVersion
	return replyMessage{ID: id, OriginAction: ActionAuth, Result: &result}
}

func newPongReply(id string) replyMessage {
	return replyMessage{ID: id, OriginAction: ActionPong}
}
