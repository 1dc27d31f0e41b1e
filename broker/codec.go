package broker

import (
	"time"

	"github.com/zllovesuki/atelier/notification"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// EncodeEnvelope serializes a notification as a protobuf Struct
func EncodeEnvelope(e *notification.Envelope) ([]byte, error) {
	data := e.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	payload, err := structpb.NewStruct(map[string]interface{}{
		"notificationId": e.NotificationID,
		"userId":         e.UserID,
		"type":           e.Type,
		"title":          e.Title,
		"message":        e.Message,
		"pushToken":      e.PushToken,
		"createdAt":      e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"data":           data,
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(payload)
}

// DecodeEnvelope is the inverse of EncodeEnvelope, used by delivery consumers
func DecodeEnvelope(b []byte) (*notification.Envelope, error) {
	var payload structpb.Struct
	if err := proto.Unmarshal(b, &payload); err != nil {
		return nil, err
	}
	fields := payload.AsMap()
	str := func(k string) string {
		s, _ := fields[k].(string)
		return s
	}
	e := &notification.Envelope{
		NotificationID: str("notificationId"),
		UserID:         str("userId"),
		Type:           str("type"),
		Title:          str("title"),
		Message:        str("message"),
		PushToken:      str("pushToken"),
	}
	if data, ok := fields["data"].(map[string]interface{}); ok {
		e.Data = data
	}
	if ts := str("createdAt"); ts != "" {
		created, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, err
		}
		e.CreatedAt = created
	}
	return e, nil
}
