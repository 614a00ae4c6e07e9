package postgres

import (
	"database/sql"

	"github.com/iamasit07/souqchat/internal/repository"
)

// Store bundles the postgres repositories behind repository.Store.
type Store struct {
	*MessageRepo
	*ConversationRepo
	*DeviceRepo
}

func NewStore(db *sql.DB, retention repository.Retention) *Store {
	return &Store{
		MessageRepo:      NewMessageRepo(db, retention.Message),
		ConversationRepo: NewConversationRepo(db, retention.Conversation),
		DeviceRepo:       NewDeviceRepo(db),
	}
}

var _ repository.Store = (*Store)(nil)
