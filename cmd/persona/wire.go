package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/PabloGalante/persona-chat/internal/adapters/llm"
	filestore "github.com/PabloGalante/persona-chat/internal/adapters/storage/file"
	firestorestore "github.com/PabloGalante/persona-chat/internal/adapters/storage/firestore"
	memstore "github.com/PabloGalante/persona-chat/internal/adapters/storage/memory"
	sqlitestore "github.com/PabloGalante/persona-chat/internal/adapters/storage/sqlite"
	"github.com/PabloGalante/persona-chat/internal/app/conversation"
	"github.com/PabloGalante/persona-chat/internal/config"
	"github.com/PabloGalante/persona-chat/internal/domain"
	"github.com/PabloGalante/persona-chat/internal/observability"
)

// mockDelay paces the mock gateway so streaming is visible.
const mockDelay = 40 * time.Millisecond

type app struct {
	cfg     *config.Config
	kv      domain.KVStore
	store   *conversation.Store
	svc     *conversation.Service
	closers []io.Closer
}

// wireScope is how much of the app a command needs.
type wireScope int

const (
	scopeKV    wireScope = iota // raw key-value backend
	scopeStore                  // loaded session store, no model
	scopeFull                   // gateway and conversation service
)

func scopeFor(command string) wireScope {
	switch command {
	case "keys":
		return scopeKV
	case "sessions":
		return scopeStore
	default:
		return scopeFull
	}
}

// wire builds the configured backends up to scope.
func (a *app) wire(ctx context.Context, scope wireScope) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	observability.SetLevel(cfg.LogLevel)

	kv, err := a.wireStorage(ctx)
	if err != nil {
		return err
	}
	a.kv = kv
	if scope == scopeKV {
		return nil
	}

	store := conversation.NewStore(kv)
	store.SetPersistTimeout(cfg.PersistTimeout)
	a.store = store
	if scope == scopeStore {
		return store.Load(ctx)
	}

	gateway, err := wireGateway(ctx, cfg)
	if err != nil {
		return err
	}

	svc := conversation.NewService(gateway, store, conversation.NewIdentityStore(kv), cfg.Model)
	if err := svc.Load(ctx); err != nil {
		return err
	}
	a.svc = svc
	return nil
}

func (a *app) wireStorage(ctx context.Context) (domain.KVStore, error) {
	log := observability.Logger()
	cfg := a.cfg

	switch cfg.Storage {
	case config.StorageMemory:
		log.Info("using in-memory storage")
		return memstore.NewStore(), nil

	case config.StorageSQLite:
		log.Info("using sqlite storage", "path", cfg.SQLitePath)
		s, err := sqlitestore.NewStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("wire sqlite store: %w", err)
		}
		a.closers = append(a.closers, s)
		return s, nil

	case config.StorageFirestore:
		log.Info("using firestore storage", "project", cfg.GCPProjectID, "collection", cfg.FirestoreCollection)
		s, err := firestorestore.NewStore(ctx, cfg.GCPProjectID, cfg.FirestoreCollection)
		if err != nil {
			return nil, fmt.Errorf("wire firestore store: %w", err)
		}
		a.closers = append(a.closers, s)
		return s, nil

	default:
		log.Info("using file storage", "dir", cfg.DataDir)
		s, err := filestore.NewStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("wire file store: %w", err)
		}
		return s, nil
	}
}

func wireGateway(ctx context.Context, cfg *config.Config) (domain.ModelGateway, error) {
	log := observability.Logger()

	var gateway domain.ModelGateway
	switch cfg.Gateway {
	case config.GatewayMock:
		log.Info("using mock model gateway")
		gateway = &llm.MockGateway{Delay: mockDelay}

	default:
		if err := cfg.GatewayCredentials(); err != nil {
			return nil, fmt.Errorf("wire gemini gateway: %w", err)
		}
		opts := llm.Options{
			ImageModel:  cfg.ImageModel,
			TitleModel:  cfg.TitleModel,
			SpeechModel: cfg.SpeechModel,
			Voice:       cfg.Voice,
		}
		if cfg.Gateway == config.GatewayVertex {
			opts.Project, opts.Location = cfg.GCPProjectID, cfg.GCPLocation
		} else {
			opts.APIKey = cfg.APIKey
		}

		log.Info("using gemini model gateway", "backend", cfg.Gateway)
		client, err := llm.NewGeminiClient(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("wire gemini gateway: %w", err)
		}
		gateway = client
	}

	return llm.NewRateLimited(gateway, cfg.GatewayRPS, cfg.GatewayBurst), nil
}

func (a *app) close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}
