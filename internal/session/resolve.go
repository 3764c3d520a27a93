package session

import (
	"errors"
	"log"
	"strings"

	"github.com/zulandar/marketchat/internal/chat"
	"github.com/zulandar/marketchat/internal/localstore"
)

// ErrRoomUnresolved means no room id could be determined for a chat screen.
var ErrRoomUnresolved = errors.New("session: room id could not be resolved")

// KeyValue is the persistent store that remembers the last opened room.
type KeyValue interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// ResolveRoomID picks the room for a chat screen: the navigation parameter
// first, then the state passed by the previous screen, then the last room
// remembered in kv. The chosen id is remembered for next time.
func ResolveRoomID(nav, state string, kv KeyValue) (chat.ID, error) {
	id := firstNonBlank(nav, state)
	if id == "" && kv != nil {
		last, ok, err := kv.Get(localstore.KeyLastRoomID)
		if err != nil {
			log.Printf("session: resolve room: %v", err)
		}
		if ok {
			id = strings.TrimSpace(last)
		}
	}
	if id == "" {
		return "", ErrRoomUnresolved
	}
	if kv != nil {
		if err := kv.Set(localstore.KeyLastRoomID, id); err != nil {
			log.Printf("session: remember room %s: %v", id, err)
		}
	}
	return chat.ID(id), nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
