package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/facestage/internal/config"
	"github.com/andresmejia3/facestage/internal/extractor"
	"github.com/andresmejia3/facestage/internal/pipeline"
	"github.com/andresmejia3/facestage/internal/reference"
	"github.com/andresmejia3/facestage/internal/resolver"
	"github.com/andresmejia3/facestage/internal/scratch"
	"github.com/andresmejia3/facestage/internal/storage"
	"github.com/andresmejia3/facestage/internal/storage/local"
	miniostore "github.com/andresmejia3/facestage/internal/storage/minio"
	s3store "github.com/andresmejia3/facestage/internal/storage/s3"
	"github.com/andresmejia3/facestage/internal/worker"
)

// app holds the components built from configuration.
type app struct {
	store    storage.Store
	notifier storage.Notifier // nil for backends without notifications
	scratch  *scratch.Manager
	worker   *worker.Service
	resolver *resolver.Resolver
	coord    *pipeline.Coordinator
	local    *pipeline.LocalTrigger // set when direct invocations run in-process
}

func buildStorage(ctx context.Context, cfg *config.Config) (storage.Store, storage.Notifier, error) {
	switch cfg.Storage.Backend {
	case "s3":
		client, err := s3store.NewClient(ctx, s3store.Options{
			Region:    cfg.Storage.Region,
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
		})
		if err != nil {
			return nil, nil, err
		}
		return s3store.NewStore(client), nil, nil
	case "minio":
		client, err := miniostore.NewClient(miniostore.Options{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
			Region:    cfg.Storage.Region,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating minio client: %w", err)
		}
		st := miniostore.NewStore(client)
		b := cfg.Buckets
		if err := st.EnsureBuckets(ctx, b.Videos, b.Frames, b.Output, b.Model); err != nil {
			return nil, nil, err
		}
		return st, st, nil
	default:
		st := local.NewStore(cfg.Storage.LocalRoot)
		return st, st, nil
	}
}

func buildReferenceSource(cfg *config.Config, st storage.Store, sm *scratch.Manager) (reference.Source, error) {
	if cfg.Reference.Source == "postgres" {
		if DB == nil {
			return nil, errors.New("reference.source is postgres but no database is configured")
		}
		return reference.SourceFunc(DB.LoadReferenceSet), nil
	}
	return &reference.SnapshotSource{
		Store:     st,
		Container: cfg.Buckets.Model,
		Key:       cfg.Reference.Key,
		Scratch:   sm,
	}, nil
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, notifier, err := buildStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("building storage: %w", err)
	}
	sm := scratch.NewManager(cfg.Pipeline.ScratchRoot, Logger)

	src, err := buildReferenceSource(cfg, st, sm)
	if err != nil {
		return nil, err
	}

	w := cfg.Worker
	svc := worker.NewService(ctx, worker.Options{
		Python:      w.Python,
		Script:      w.Script,
		ImageSize:   w.ImageSize,
		Margin:      w.Margin,
		MinFaceSize: w.MinFaceSize,
		Thresholds:  w.Thresholds,
		Pretrained:  w.Pretrained,
	}, Logger)

	catalog := resolver.NewCatalog(src, cfg.Reference.Index, cfg.Reference.HNSWCandidates, Logger)
	res := resolver.New(svc, catalog, resolver.Options{
		MaxDistance:   cfg.Reference.MaxDistance,
		MinConfidence: w.MinConfidence,
	}, Logger)

	ext := extractor.New(cfg.Extractor.Binary, extractor.Mode{
		Kind:  cfg.Extractor.Mode,
		Rate:  cfg.Extractor.Rate,
		Count: cfg.Extractor.Count,
	}, cfg.Extractor.Ext, Logger)

	deps := pipeline.Deps{
		Store:     st,
		Extractor: ext,
		Resolver:  res,
		Scratch:   sm,
		Logger:    Logger,
	}
	if DB != nil {
		deps.Ledger = DB
	}
	coord := pipeline.New(pipeline.Config{
		FrameContainer:  cfg.Buckets.Frames,
		OutputContainer: cfg.Buckets.Output,
		TriggerMode:     cfg.Pipeline.Trigger,
		Concurrency:     cfg.Pipeline.Concurrency,
	}, deps)

	a := &app{store: st, notifier: notifier, scratch: sm, worker: svc, resolver: res, coord: coord}
	if cfg.Pipeline.ResolverURL != "" {
		coord.SetTrigger(pipeline.NewHTTPTrigger(cfg.Pipeline.ResolverURL, cfg.Pipeline.InvokeRate, Logger))
	} else {
		a.local = pipeline.NewLocalTrigger(coord.Invoke, Logger)
		coord.SetTrigger(a.local)
	}
	return a, nil
}

// Close waits for in-process invocations and stops the model worker.
func (a *app) Close() {
	if a.local != nil {
		a.local.Wait()
	}
	if err := a.worker.Close(); err != nil {
		Logger.Debug("embedding worker exited", "error", err)
	}
}
