package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/zulandar/marketchat/internal/chat"
)

// HistoryQuery selects one history page.
type HistoryQuery struct {
	Page int
	Size int
	Sort string // e.g. "createdAt,desc"
}

// HistoryItem is one message as returned by the history endpoint.
type HistoryItem struct {
	SenderID  chat.ID `json:"senderId"`
	Message   string  `json:"message"`
	CreatedAt string  `json:"createdAt"`
	IsRead    bool    `json:"isRead"`
}

// Participant identifies the other member of a room.
type Participant struct {
	UserID   chat.ID `json:"userId"`
	Nickname string  `json:"nickname"`
}

// HistoryPage is one page of room history, newest message first.
type HistoryPage struct {
	Items  []HistoryItem
	Number int
	Last   bool
	Peer   *Participant
}

type historyBody struct {
	Content          *[]HistoryItem `json:"content"`
	Number           int            `json:"number"`
	Last             bool           `json:"last"`
	Empty            bool           `json:"empty"`
	OtherParticipant *Participant   `json:"otherParticipant"`
}

// History fetches one page of roomID's history. Responses without a usable
// body (including server errors reported inside the envelope or as HTTP 5xx)
// yield an empty last page rather than an error; only transport failures and
// rejected credentials are returned as errors.
func (c *Client) History(ctx context.Context, roomID chat.ID, q HistoryQuery) (HistoryPage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(q.Page))
	if q.Size > 0 {
		query.Set("size", strconv.Itoa(q.Size))
	}
	if q.Sort != "" {
		query.Set("sort", q.Sort)
	}

	empty := HistoryPage{Number: q.Page, Last: true}
	path := "/chatting/" + url.PathEscape(string(roomID))
	body, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) || errors.Is(err, ErrMalformed) {
			log.Printf("api: history %s page %d: %v, treating as empty", roomID, q.Page, err)
			return empty, nil
		}
		return HistoryPage{}, err
	}
	if body == nil {
		log.Printf("api: history %s page %d: response has no body, treating as empty", roomID, q.Page)
		return empty, nil
	}

	var hb historyBody
	if err := json.Unmarshal(body, &hb); err != nil || hb.Content == nil {
		log.Printf("api: history %s page %d: malformed body, treating as empty", roomID, q.Page)
		return empty, nil
	}
	return HistoryPage{
		Items:  *hb.Content,
		Number: hb.Number,
		Last:   hb.Last || hb.Empty,
		Peer:   hb.OtherParticipant,
	}, nil
}

// Rooms fetches the viewer's room list with per-room unread counts.
func (c *Client) Rooms(ctx context.Context) ([]chat.Room, error) {
	body, err := c.do(ctx, http.MethodGet, "/chatting", nil, nil)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	body = bytes.TrimSpace(body)
	var rooms []chat.Room
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &rooms); err != nil {
			return nil, fmt.Errorf("api: decode rooms: %w", err)
		}
		return rooms, nil
	}
	var page struct {
		Content []chat.Room `json:"content"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("api: decode rooms: %w", err)
	}
	return page.Content, nil
}

// CreateRoom opens (or returns the existing) room between the viewer and
// sellerID over listingID.
func (c *Client) CreateRoom(ctx context.Context, sellerID, listingID chat.ID) (chat.Room, error) {
	in := map[string]chat.ID{"sellerId": sellerID, "itemId": listingID}
	body, err := c.do(ctx, http.MethodPost, "/chatting", nil, in)
	if err != nil {
		return chat.Room{}, err
	}
	if body == nil {
		return chat.Room{}, fmt.Errorf("api: create room: empty response")
	}
	var room chat.Room
	if err := json.Unmarshal(body, &room); err != nil {
		return chat.Room{}, fmt.Errorf("api: decode room: %w", err)
	}
	if room.ID == "" {
		return chat.Room{}, fmt.Errorf("api: create room: response has no roomId")
	}
	return room, nil
}

// DeleteRoom soft-deletes roomID for the viewer. Tearing down the socket
// subscription is the caller's job.
func (c *Client) DeleteRoom(ctx context.Context, roomID chat.ID) error {
	_, err := c.do(ctx, http.MethodDelete, "/chatting/"+url.PathEscape(string(roomID)), nil, nil)
	return err
}
