package bus

import (
	"encoding/json"
	"errors"
	"strings"
)

// Group names.
const (
	GroupAdminBroadcast = "admin:broadcast"
	chatGroupPrefix     = "chat:"
)

// Frame types carried on the bus.
const (
	TypeChatMessage        = "chat_message"
	TypeNewCustomerMessage = "new_customer_message"
	TypeAdminMessageSent   = "admin_message_sent"
	TypeRoomActivity       = "room_activity"
	TypeDataUpdate         = "data_update"
)

// ChatGroup is the per-room conversation group.
func ChatGroup(roomID string) string {
	return chatGroupPrefix + roomID
}

// RoomFromGroup extracts the room id from a chat group name.
func RoomFromGroup(group string) (string, bool) {
	if !strings.HasPrefix(group, chatGroupPrefix) {
		return "", false
	}
	room := strings.TrimPrefix(group, chatGroupPrefix)
	return room, room != ""
}

// Event is a typed frame. On the wire it is one flat JSON object:
// {"type": ..., <fields>...}.
type Event struct {
	Type   string
	Fields map[string]any
}

// NewEvent flattens payload (a struct or map) into the event fields.
func NewEvent(eventType string, payload any) (Event, error) {
	ev := Event{Type: eventType, Fields: map[string]any{}}
	if payload == nil {
		return ev, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	if err := json.Unmarshal(raw, &ev.Fields); err != nil {
		return Event{}, err
	}
	delete(ev.Fields, "type")
	return ev, nil
}

// MustEvent is NewEvent for payloads that always encode.
func MustEvent(eventType string, payload any) Event {
	ev, err := NewEvent(eventType, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// Field returns one field value.
func (e Event) Field(key string) any {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[key]
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	return json.Marshal(out)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	eventType, _ := fields["type"].(string)
	if eventType == "" {
		return errors.New("event type missing")
	}
	delete(fields, "type")
	e.Type = eventType
	e.Fields = fields
	return nil
}
