// Package chat defines the domain types shared by the marketchat client:
// rooms, timeline messages, wire frames and the content-derived message id.
package chat

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aquilax/truncate"
)

// idBodyPrefix is the number of runes of a message body folded into its id.
const idBodyPrefix = 32

// ID is a user or room identity. Peers send identities either as JSON
// strings or as JSON numbers; both decode to the same ID.
type ID string

// UnmarshalJSON accepts a quoted string, a bare number or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("chat: decode id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("chat: decode id %s: %w", data, err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Room is the client's cached view of a chat room between a buyer and a
// seller over one listing.
type Room struct {
	ID           ID        `json:"roomId"`
	SellerID     ID        `json:"sellerId,omitempty"`
	BuyerID      ID        `json:"buyerId,omitempty"`
	ListingID    ID        `json:"itemId,omitempty"`
	ListingTitle string    `json:"postTitle,omitempty"`
	PeerNickname string    `json:"chattingUserNickname,omitempty"`
	LastMessage  string    `json:"lastMessage,omitempty"`
	LastActivity Timestamp `json:"lastUpdatedAt"`
	UnreadCount  int       `json:"nonReadCount"`
}

// Direction says whether a message was written by the viewer.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// Message is one entry of a room timeline.
type Message struct {
	ID        string
	RoomID    ID
	Sender    ID
	Body      string
	CreatedAt time.Time
	Direction Direction
	Read      bool
}

// MessageID derives the deterministic identifier of a message from its
// sender, creation time (millisecond precision) and a prefix of its body.
// The same logical message observed over REST and over the socket yields
// the same id.
func MessageID(createdAt time.Time, body string, sender ID) string {
	h := sha256.New()
	h.Write([]byte(sender))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(createdAt.UnixMilli(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(truncate.Truncate(body, idBodyPrefix, "", truncate.PositionEnd)))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Preview shortens a message body for one-line displays such as room lists
// and notifications.
func Preview(body string, n int) string {
	body = strings.Join(strings.Fields(body), " ")
	return truncate.Truncate(body, n, "...", truncate.PositionEnd)
}
