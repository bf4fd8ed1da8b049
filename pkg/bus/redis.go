// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/kadirpekel/zonescribe/pkg/config"
)

// Redis publishes status events and packages on pub/sub channels and
// enqueues child jobs on a list the dispatcher consumes.
type Redis struct {
	client         *redis.Client
	channel        string
	packageChannel string
	queue          string
}

// NewRedis connects to the configured redis instance.
func NewRedis(cfg config.BusConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &Redis{
		client:         client,
		channel:        cfg.Channel,
		packageChannel: cfg.PackageChannel,
		queue:          cfg.Queue,
	}, nil
}

// Publish emits a status event on the status channel.
func (r *Redis) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// PublishPackage delivers a research package on the package channel.
func (r *Redis) PublishPackage(ctx context.Context, pkg any) error {
	payload, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("failed to marshal package: %w", err)
	}
	if err := r.client.Publish(ctx, r.packageChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish package: %w", err)
	}
	return nil
}

// EnqueueJob pushes a child job request onto the dispatcher queue.
func (r *Redis) EnqueueJob(ctx context.Context, job JobRequest) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job request: %w", err)
	}
	if err := r.client.LPush(ctx, r.queue, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Close closes the redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// NewPublisher creates a Publisher from config.
func NewPublisher(cfg config.BusConfig) (Publisher, error) {
	switch cfg.Backend {
	case "redis":
		return NewRedis(cfg)
	case "nop", "":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unsupported bus backend '%s'", cfg.Backend)
	}
}
