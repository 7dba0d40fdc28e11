// Package voice 定义语音 WebSocket 通道上的消息格式。
//
// 客户端 -> 服务端：二进制帧为原始 PCM 分片；文本帧为 {"type":"end_audio"} 或 {"type":"interrupt"}。
// 服务端 -> 客户端：二进制帧为自描述的 WAV 音频；文本帧为 Event。
package voice

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType 服务端事件类型
type EventType string

const (
	EventProcessing            EventType = "processing"
	EventResponse              EventType = "response"
	EventError                 EventType = "error"
	EventInterruptionHandshake EventType = "interruption_handshake"
)

// Event 服务端发送的 JSON 事件
type Event struct {
	Type    EventType `json:"type"`
	Text    string    `json:"text,omitempty"`
	Message string    `json:"message,omitempty"`
}

func Processing() Event {
	return Event{Type: EventProcessing}
}

// Response 携带截至目前的完整转写文本
func Response(text string) Event {
	return Event{Type: EventResponse, Text: text}
}

func Error(message string) Event {
	return Event{Type: EventError, Message: message}
}

func InterruptionHandshake() Event {
	return Event{Type: EventInterruptionHandshake}
}

// CommandType 客户端控制指令
type CommandType string

const (
	CommandEndAudio  CommandType = "end_audio"
	CommandInterrupt CommandType = "interrupt"
)

// Command 客户端文本帧
type Command struct {
	Type CommandType `json:"type"`
}

var (
	ErrMalformed      = errors.New("malformed control message")
	ErrUnknownCommand = errors.New("unknown control message")
)

// DecodeCommand 解析客户端文本帧。未知类型返回 ErrUnknownCommand 以及解析出的指令。
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch cmd.Type {
	case CommandEndAudio, CommandInterrupt:
		return cmd, nil
	default:
		return cmd, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}
