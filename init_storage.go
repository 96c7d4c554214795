package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"tasksync/config"
	"tasksync/storage"
)

const queueAlreadyExists = "QueueAlreadyExists"

func runInitStorage(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	logger.Info("storage init starting")

	switch cfg.StoreBackend {
	case config.BackendMongo:
		m, err := storage.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		defer m.Close(context.WithoutCancel(ctx))
		if err := m.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("create indexes: %w", err)
		}
		if err := m.EnablePreImages(ctx); err != nil {
			logger.WithError(err).Warn("change stream pre-images unavailable, deletes will refresh every subscriber")
		}
	default:
		if err := createTables(ctx, cfg.StorageConnectionString, []string{cfg.TasksTable, cfg.UsersTable}); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}

	if cfg.DomainEventsQueue != "" {
		if err := createQueues(ctx, cfg.StorageConnectionString, []string{cfg.DomainEventsQueue}); err != nil {
			return fmt.Errorf("create queues: %w", err)
		}
	}

	logger.Info("storage init complete")
	return nil
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil && !hasErrorCode(err, string(aztables.TableAlreadyExists)) {
			return err
		}
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil && !hasErrorCode(err, queueAlreadyExists) {
			return err
		}
	}
	return nil
}

func hasErrorCode(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
