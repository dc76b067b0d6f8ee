// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/uploadwatch/services/monitor/policy"
)

// ownerMetadataKey is the object metadata key carrying the uploading
// principal. Uploads written through the campus ingest proxy stamp it;
// objects without it resolve to an empty owner and fail the directory
// lookup downstream.
const ownerMetadataKey = "uploadwatch-owner"

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	ProjectID string
	Bucket    string

	// SubscriptionID names the Pub/Sub subscription wired to the
	// bucket's OBJECT_FINALIZE notification config.
	SubscriptionID string

	// CredentialsFile optionally points at a service account key.
	// Empty means application default credentials.
	CredentialsFile string
}

// GCSBackend implements Backend over a single GCS bucket. Object
// change notifications arrive through Pub/Sub; GCS has no native move
// event, so renames surface as a fresh OBJECT_FINALIZE and are
// delivered as EntryMoved when the notification carries an
// overwritten generation.
type GCSBackend struct {
	client *gcs.Client
	ps     *pubsub.Client
	config GCSConfig
	logger *slog.Logger
}

// NewGCS connects to GCS and (when a subscription is configured) to
// Pub/Sub.
func NewGCS(ctx context.Context, config GCSConfig, logger *slog.Logger) (*GCSBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var opts []option.ClientOption
	if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	var ps *pubsub.Client
	if config.SubscriptionID != "" {
		ps, err = pubsub.NewClient(ctx, config.ProjectID, opts...)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create Pub/Sub client for bucket notifications: %w", err)
		}
	}
	return &GCSBackend{client: client, ps: ps, config: config, logger: logger}, nil
}

// Close releases the underlying clients.
func (b *GCSBackend) Close() error {
	var errs []error
	if b.ps != nil {
		errs = append(errs, b.ps.Close())
	}
	errs = append(errs, b.client.Close())
	return errors.Join(errs...)
}

func (b *GCSBackend) Subscribe(ctx context.Context, kinds []policy.EventKind, fn Listener) (func(), error) {
	if b.ps == nil {
		return nil, fmt.Errorf("no Pub/Sub subscription configured for bucket %s", b.config.Bucket)
	}
	wanted := make(map[policy.EventKind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}

	recvCtx, cancel := context.WithCancel(ctx)
	sub := b.ps.Subscription(b.config.SubscriptionID)
	go func() {
		err := sub.Receive(recvCtx, func(ctx context.Context, pm *pubsub.Message) {
			pm.Ack()
			ev, ok := b.decodeNotification(pm.Attributes)
			if !ok || !wanted[ev.Kind] {
				return
			}
			fn(ctx, ev)
		})
		if err != nil && recvCtx.Err() == nil {
			b.logger.Error("bucket notification receive loop ended",
				"subscription", b.config.SubscriptionID, "error", err)
		}
	}()
	b.logger.Info("subscribed to bucket notifications",
		"bucket", b.config.Bucket, "subscription", b.config.SubscriptionID)
	return cancel, nil
}

// decodeNotification maps a GCS notification's attributes to an Event.
func (b *GCSBackend) decodeNotification(attrs map[string]string) (Event, bool) {
	if attrs["eventType"] != "OBJECT_FINALIZE" {
		return Event{}, false
	}
	objectID := attrs["objectId"]
	if objectID == "" {
		return Event{}, false
	}
	kind := policy.EntryCreated
	if attrs["overwroteGeneration"] != "" {
		kind = policy.EntryMoved
	}
	return Event{Kind: kind, EntryID: objectID, Server: b.config.Bucket}, true
}

func (b *GCSBackend) ResolveEntry(ctx context.Context, id string) (Entry, error) {
	return b.lookup(ctx, id)
}

func (b *GCSBackend) FindEntry(ctx context.Context, p string) (Entry, error) {
	return b.lookup(ctx, strings.TrimPrefix(p, "/"))
}

func (b *GCSBackend) lookup(ctx context.Context, object string) (Entry, error) {
	attrs, err := b.client.Bucket(b.config.Bucket).Object(object).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to stat object %s: %w", object, err)
	}
	return b.entryFromAttrs(attrs), nil
}

func (b *GCSBackend) entryFromAttrs(attrs *gcs.ObjectAttrs) Entry {
	return Entry{
		ID:          attrs.Name,
		Path:        "/" + attrs.Name,
		Name:        path.Base(attrs.Name),
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		OwnerID:     attrs.Metadata[ownerMetadataKey],
		Version:     attrs.Generation,
		Server:      b.config.Bucket,
	}
}

func (b *GCSBackend) CopyEntry(ctx context.Context, srcPath, dstPath, ownerID string, overwrite bool) (Entry, error) {
	bucket := b.client.Bucket(b.config.Bucket)
	src := bucket.Object(strings.TrimPrefix(srcPath, "/"))
	dst := bucket.Object(strings.TrimPrefix(dstPath, "/"))
	if !overwrite {
		dst = dst.If(gcs.Conditions{DoesNotExist: true})
	}

	copier := dst.CopierFrom(src)
	if ownerID != "" {
		copier.Metadata = map[string]string{ownerMetadataKey: ownerID}
	}
	attrs, err := copier.Run(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to copy %s over %s: %w", srcPath, dstPath, err)
	}
	return b.entryFromAttrs(attrs), nil
}

// RenameEntry is a copy-then-delete: GCS objects are immutable and
// have no rename primitive.
func (b *GCSBackend) RenameEntry(ctx context.Context, e Entry, newName string) (Entry, error) {
	bucket := b.client.Bucket(b.config.Bucket)
	srcName := strings.TrimPrefix(e.Path, "/")
	dstName := path.Join(path.Dir(srcName), newName)

	src := bucket.Object(srcName)
	dst := bucket.Object(dstName)
	copier := dst.CopierFrom(src)
	if e.OwnerID != "" {
		copier.Metadata = map[string]string{ownerMetadataKey: e.OwnerID}
	}
	attrs, err := copier.Run(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to copy %s to %s: %w", srcName, dstName, err)
	}
	if err := src.Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return Entry{}, fmt.Errorf("failed to delete %s after rename copy: %w", srcName, err)
	}
	return b.entryFromAttrs(attrs), nil
}

func (b *GCSBackend) Ping(ctx context.Context) error {
	if _, err := b.client.Bucket(b.config.Bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("bucket %s is not reachable: %w", b.config.Bucket, err)
	}
	return nil
}
