package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionSuffix  = "schema:version"
	currentSchemaVersion = 1
	scanBatch            = 256
)

// Migration is one step of the key schema.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client, prefix string, ttl time.Duration) error
}

// Migrate runs every migration newer than the stored schema version.
func Migrate(ctx context.Context, client *redis.Client, prefix string, ttl time.Duration, logger *zap.SugaredLogger) error {
	versionKey := prefix + schemaVersionSuffix

	currentVersion, err := getSchemaVersion(ctx, client, versionKey)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date",
				"current_version", currentVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}

		if err := migration.Up(ctx, client, prefix, ttl); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := client.Set(ctx, versionKey, migration.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client, key string) (int, error) {
	val, err := client.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Records written without an expiry get the record TTL.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client, prefix string, ttl time.Duration) error {
				if ttl <= 0 {
					return nil
				}
				versionKey := prefix + schemaVersionSuffix
				iter := client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
				for iter.Next(ctx) {
					key := iter.Val()
					if key == versionKey {
						continue
					}
					remaining, err := client.TTL(ctx, key).Result()
					if err != nil {
						return err
					}
					if remaining < 0 {
						if err := client.Expire(ctx, key, ttl).Err(); err != nil {
							return err
						}
					}
				}
				return iter.Err()
			},
		},
	}
}
