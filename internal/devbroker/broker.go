// Package devbroker is a self-contained development backend for the chat
// client: a STOMP-over-WebSocket broker plus the chat REST endpoints, all
// kept in memory.
package devbroker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/marketchat/internal/chat"
	"github.com/zulandar/marketchat/internal/credential"
)

// Opts holds configuration for the development broker.
type Opts struct {
	Port int
	// Tokens maps bearer tokens to user ids. When empty, a JWT's subject
	// or else the token itself is the user id.
	Tokens         map[string]string
	InboundPrefix  string // default /receive/
	OutboundPrefix string // default /send/
	Location       *time.Location
	Out            io.Writer
	// For testing: override the clock.
	Now func() time.Time
}

// Broker serves the chat endpoints.
type Broker struct {
	tokens         map[string]string
	inboundPrefix  string
	outboundPrefix string
	loc            *time.Location
	now            func() time.Time
	store          *store

	mu      sync.Mutex
	clients map[*client]struct{}
	nextMsg int
}

// New creates a Broker.
func New(opts Opts) *Broker {
	b := &Broker{
		tokens:         opts.Tokens,
		inboundPrefix:  opts.InboundPrefix,
		outboundPrefix: opts.OutboundPrefix,
		loc:            opts.Location,
		now:            opts.Now,
		clients:        make(map[*client]struct{}),
	}
	if b.inboundPrefix == "" {
		b.inboundPrefix = "/receive/"
	}
	if b.outboundPrefix == "" {
		b.outboundPrefix = "/send/"
	}
	if b.loc == nil {
		b.loc = time.UTC
	}
	if b.now == nil {
		b.now = time.Now
	}
	b.store = newStore(b.now)
	return b
}

// Handler returns the broker's HTTP handler.
func (b *Broker) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, b)
	return router
}

// Start launches the broker on opts.Port. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts Opts) error {
	if opts.Port <= 0 {
		opts.Port = 8090
	}
	b := New(opts)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: b.Handler(),
	}

	go func() {
		<-ctx.Done()
		b.closeAll()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dev broker running at http://localhost:%d/api (socket ws://localhost:%d/ws)\n", opts.Port, opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("devbroker: %w", err)
	}
	return nil
}

// userFor maps a bearer token to a user id.
func (b *Broker) userFor(authorization string) (chat.ID, bool) {
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(authorization), "Bearer "))
	if token == "" {
		return "", false
	}
	if len(b.tokens) > 0 {
		user, ok := b.tokens[token]
		return chat.ID(user), ok && user != ""
	}
	if sub, ok := credential.SubjectOf(token); ok {
		return chat.ID(sub), true
	}
	return chat.ID(token), true
}
