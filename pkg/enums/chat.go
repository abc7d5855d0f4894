package enums

// ChatRoomStatus tracks whether a room awaits an admin reply.
type ChatRoomStatus string

const (
	ChatRoomActive  ChatRoomStatus = "active"
	ChatRoomWaiting ChatRoomStatus = "waiting"
	ChatRoomClosed  ChatRoomStatus = "closed"
)

// ChatSenderKind identifies who authored a chat message.
type ChatSenderKind string

const (
	SenderCustomer ChatSenderKind = "customer"
	SenderAdmin    ChatSenderKind = "admin"
	SenderSystem   ChatSenderKind = "system"
)

func (k ChatSenderKind) IsValid() bool {
	switch k {
	case SenderCustomer, SenderAdmin, SenderSystem:
		return true
	}
	return false
}
