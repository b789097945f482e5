package main

import (
	"context"
	"log"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/skiffchat/skiff/internal/blob/s3"
	"github.com/skiffchat/skiff/internal/chat"
	"github.com/skiffchat/skiff/internal/client"
	"github.com/skiffchat/skiff/internal/config"
	"github.com/skiffchat/skiff/internal/identity"
	"github.com/skiffchat/skiff/internal/presence"
	presenceredis "github.com/skiffchat/skiff/internal/presence/redis"
	"github.com/skiffchat/skiff/internal/store/sqlite"
	"github.com/skiffchat/skiff/internal/upload"
)

func main() {
	cfg := config.LoadClientConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	docs, err := sqlite.NewStore(cfg.Database)
	if err != nil {
		log.Fatalf("open document store: %v", err)
	}
	defer docs.Close()
	if err := docs.Migrate(ctx); err != nil {
		log.Fatalf("migrate document store: %v", err)
	}

	blobs, err := s3.New(cfg.Blob)
	if err != nil {
		log.Fatalf("connect blob store: %v", err)
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		log.Fatalf("prepare blob bucket: %v", err)
	}

	realtime := presenceredis.NewStore(cfg.Redis, cfg.Sync.PresenceTTL)
	tracker := presence.NewTracker(realtime, docs)

	ids := identity.NewService(docs, cfg.JWT)
	uploads := upload.NewCoordinator(blobs)

	session := chat.NewSession(docs, ids, tracker, uploads, cfg.Sync)
	session.Start(ctx)
	defer session.Close()

	app := client.NewApp(ctx, cfg, session, ids, docs)
	if _, err := tea.NewProgram(app, tea.WithAltScreen()).Run(); err != nil {
		log.Fatalf("client exited: %v", err)
	}
}
