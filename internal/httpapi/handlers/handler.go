package handlers

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/suPer8Hu/marketplace-chat/internal/auth"
	"github.com/suPer8Hu/marketplace-chat/internal/broadcast"
	"github.com/suPer8Hu/marketplace-chat/internal/channel"
	"github.com/suPer8Hu/marketplace-chat/internal/config"
)

// Pinger is a dependency /health can ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	DB       *gorm.DB
	Redis    Pinger // nil when running on the in-memory store
	Cfg      config.Config
	Auth     *auth.Authenticator
	Bus      broadcast.Bus
	Channels []channel.Channel
	Logger   zerolog.Logger
}

type Handler struct {
	DB       *gorm.DB
	Redis    Pinger
	Cfg      config.Config
	Auth     *auth.Authenticator
	Bus      broadcast.Bus
	Channels map[string]channel.Channel
	Logger   zerolog.Logger

	PingInterval time.Duration
}

func NewHandler(d Deps) *Handler {
	chans := make(map[string]channel.Channel, len(d.Channels))
	for _, ch := range d.Channels {
		chans[ch.Name()] = ch
	}
	return &Handler{
		DB:           d.DB,
		Redis:        d.Redis,
		Cfg:          d.Cfg,
		Auth:         d.Auth,
		Bus:          d.Bus,
		Channels:     chans,
		Logger:       d.Logger,
		PingInterval: 15 * time.Second,
	}
}
