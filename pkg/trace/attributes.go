package trace

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys used throughout the bridge.
const (
	AttrConversationID = "conversation.id"
	AttrConnectionID   = "connection.id"
	AttrSessionState   = "session.state"

	AttrAudioSampleRate = "audio.sample_rate"
	AttrAudioChannels   = "audio.channels"
	AttrAudioDataSize   = "audio.data_size"

	AttrToolName   = "tool.name"
	AttrToolCallID = "tool.call_id"

	AttrAdapterName = "adapter.name"

	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)

// ConversationAttrs creates attributes for conversation operations.
func ConversationAttrs(conversationID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrConversationID, conversationID),
	}
}

// ConnectionAttrs creates attributes for browser connections.
func ConnectionAttrs(conversationID, connectionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrConversationID, conversationID),
		attribute.String(AttrConnectionID, connectionID),
	}
}

// AudioAttrs creates attributes for audio frames.
func AudioAttrs(sampleRate, channels, dataSize int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrAudioSampleRate, sampleRate),
		attribute.Int(AttrAudioChannels, channels),
		attribute.Int(AttrAudioDataSize, dataSize),
	}
}

// ToolAttrs creates attributes for tool dispatch.
func ToolAttrs(name, callID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrToolName, name),
		attribute.String(AttrToolCallID, callID),
	}
}

// ErrorAttrs creates attributes for errors.
func ErrorAttrs(errType, errMsg string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrErrorType, errType),
		attribute.String(AttrErrorMessage, errMsg),
	}
}
