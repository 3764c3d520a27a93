package devbroker

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/marketchat/internal/chat"
)

const userKey = "devbroker.user"

// registerRoutes sets up the REST and socket routes on the Gin router.
func registerRoutes(router *gin.Engine, b *Broker) {
	router.GET("/ws", handleSocket(b))

	api := router.Group("/api", requireUser(b))
	api.GET("/chatting", handleRooms(b))
	api.POST("/chatting", handleCreateRoom(b))
	api.GET("/chatting/:roomId", handleHistory(b))
	api.DELETE("/chatting/:roomId", handleDeleteRoom(b))
}

// reply writes the backend's {status_code, body} envelope.
func reply(c *gin.Context, status int, body any) {
	c.JSON(status, gin.H{"status_code": status, "body": body})
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"status_code": status, "body": nil, "message": msg})
}

func requireUser(b *Broker) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := b.userFor(c.GetHeader("Authorization"))
		if !ok {
			fail(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) chat.ID {
	return c.MustGet(userKey).(chat.ID)
}

func handleRooms(b *Broker) gin.HandlerFunc {
	return func(c *gin.Context) {
		reply(c, http.StatusOK, b.store.roomsOf(currentUser(c)))
	}
}

type createRoomRequest struct {
	SellerID chat.ID `json:"sellerId"`
	ItemID   chat.ID `json:"itemId"`
}

func handleCreateRoom(b *Broker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRoomRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.SellerID == "" || req.ItemID == "" {
			fail(c, http.StatusBadRequest, "sellerId and itemId are required")
			return
		}
		room, err := b.store.openRoom(currentUser(c), req.SellerID, req.ItemID)
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		reply(c, http.StatusOK, room)
	}
}

func handleHistory(b *Broker) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, err := strconv.Atoi(c.DefaultQuery("page", "0"))
		if err != nil || page < 0 {
			fail(c, http.StatusBadRequest, "invalid page")
			return
		}
		size, err := strconv.Atoi(c.DefaultQuery("size", "20"))
		if err != nil || size <= 0 || size > 100 {
			fail(c, http.StatusBadRequest, "invalid size")
			return
		}
		newestFirst := !strings.HasSuffix(strings.ToLower(c.DefaultQuery("sort", "createdAt,desc")), ",asc")

		hp, err := b.store.history(chat.ID(c.Param("roomId")), currentUser(c), page, size, newestFirst)
		if errors.Is(err, errNotFound) {
			fail(c, http.StatusNotFound, err.Error())
			return
		}
		reply(c, http.StatusOK, hp)
	}
}

func handleDeleteRoom(b *Broker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := b.store.deleteRoom(chat.ID(c.Param("roomId")), currentUser(c)); err != nil {
			fail(c, http.StatusNotFound, err.Error())
			return
		}
		reply(c, http.StatusOK, gin.H{"deleted": true})
	}
}
