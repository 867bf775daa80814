package domain

// Store collections watched by the relay.
const (
	UsersPath    = "users"
	MessagesPath = "chat/messages"
)

// UserPath is the store key of a user profile.
func UserPath(userID string) string {
	return UsersPath + "/" + userID
}

// MessagePath is the store key of a message.
func MessagePath(messageID string) string {
	return MessagesPath + "/" + messageID
}

// ReactionsPath is the single store key holding a message's reaction map.
func ReactionsPath(messageID string) string {
	return MessagePath(messageID) + "/reactions"
}
