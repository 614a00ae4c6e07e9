package uid

import (
	"github.com/google/uuid"
)

// conversationNamespace scopes derived conversation refs so they never collide
// with other name-based UUIDs.
var conversationNamespace = uuid.MustParse("6f1c2a8e-5d0b-4b8e-9a53-2f7e4c1d9b10")

// DirectConversationPrefix marks refs produced by ConversationRef.
const DirectConversationPrefix = "dm_"

// NewMessageID returns a random message identifier.
func NewMessageID() string {
	return uuid.NewString()
}

// NewConnectionID returns a random identifier for a live connection.
func NewConnectionID() string {
	return "conn_" + uuid.NewString()
}

// ConversationRef derives a stable ref for the direct conversation between two
// users. The order of the arguments does not matter.
func ConversationRef(userA, userB string) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return DirectConversationPrefix + uuid.NewSHA1(conversationNamespace, []byte(userA+"\x00"+userB)).String()
}
