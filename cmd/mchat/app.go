package main

import (
	"fmt"
	"log"

	"github.com/zulandar/marketchat/internal/api"
	"github.com/zulandar/marketchat/internal/chat"
	"github.com/zulandar/marketchat/internal/config"
	"github.com/zulandar/marketchat/internal/credential"
	"github.com/zulandar/marketchat/internal/db"
	"github.com/zulandar/marketchat/internal/localstore"
	"github.com/zulandar/marketchat/internal/readstate"
	"github.com/zulandar/marketchat/internal/socket"
	"gorm.io/gorm"
)

// app holds the components shared by the chat commands.
type app struct {
	cfg    *config.Config
	db     *gorm.DB
	creds  *credential.Store
	api    *api.Client
	kv     *localstore.Store
	ledger *readstate.Store
}

func loadApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	chat.Location = cfg.Location()

	gormDB, err := db.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open local database: %w", err)
	}

	loader := credential.FromEnv(cfg.Credentials.TokenEnv)
	if cfg.Credentials.TokenFile != "" {
		loader = credential.FromFile(cfg.Credentials.TokenFile)
	}
	creds := credential.New(loader)

	client, err := api.New(api.ClientOpts{BaseURL: cfg.Server.APIURL, Tokens: creds})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		db:     gormDB,
		creds:  creds,
		api:    client,
		kv:     localstore.New(gormDB),
		ledger: readstate.New(gormDB),
	}, nil
}

// viewer resolves the viewer's user id: configured, then the token
// subject, then the last id seen. The result is remembered.
func (a *app) viewer() (chat.ID, error) {
	id := a.cfg.Identity.UserID
	if id == "" {
		id, _ = a.creds.Subject()
	}
	if id == "" {
		last, ok, err := a.kv.Get(localstore.KeyLastUserID)
		if err != nil {
			log.Printf("mchat: %v", err)
		}
		if ok {
			id = last
		}
	}
	if id == "" {
		return "", fmt.Errorf("viewer id unknown: set identity.user_id or use a token with a subject")
	}
	if err := a.kv.Set(localstore.KeyLastUserID, id); err != nil {
		log.Printf("mchat: remember viewer: %v", err)
	}
	return chat.ID(id), nil
}

func (a *app) newManager() (*socket.Manager, error) {
	r := a.cfg.Reconnect
	return socket.NewManager(socket.ManagerOpts{
		URL:            a.cfg.Server.WSURL,
		Credentials:    a.creds,
		InboundPrefix:  a.cfg.Server.InboundPrefix,
		OutboundPrefix: a.cfg.Server.OutboundPrefix,
		BaseBackoff:    r.BackoffBase(),
		MaxBackoff:     r.BackoffMax(),
		MaxReconnect:   r.MaxAttempts,
		AuthRetryDelay: r.AuthRetryDelay(),
		Heartbeat:      r.Heartbeat(),
	})
}

func (a *app) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}
