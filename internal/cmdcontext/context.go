// Package cmdcontext composes every engine component into the single
// thread-safe facade of §4.8 that a CLI, daemon, or API layer drives.
// Context holds read-only handles to its components (a config snapshot, the
// key manager, the network actor, the catalog, the pipeline, and the
// economy service) and adds no locking of its own: each composed component
// already serialises its own concurrent access, so Context is freely
// clonable and safe to share across goroutines.
package cmdcontext

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ioustamora/datamesh/internal/catalog"
	"github.com/ioustamora/datamesh/internal/config"
	"github.com/ioustamora/datamesh/internal/cryptoutil"
	"github.com/ioustamora/datamesh/internal/dmerrors"
	"github.com/ioustamora/datamesh/internal/domain"
	"github.com/ioustamora/datamesh/internal/economy"
	"github.com/ioustamora/datamesh/internal/logging"
	"github.com/ioustamora/datamesh/internal/netactor"
	"github.com/ioustamora/datamesh/internal/shardpipeline"
)

// Context is the composed command surface of §4.8.
type Context struct {
	cfg      *config.Config
	keys     *config.KeyManager
	actor    *netactor.Actor
	catalog  *catalog.Catalog
	pipeline *shardpipeline.Pipeline
	economy  *economy.Service

	// ownerFingerprint scopes every catalog and economy operation to this
	// node's own identity key, matching §3's "the catalog is a private
	// per-node index, not a shared directory".
	ownerFingerprint string

	log interface {
		Debugf(format string, args ...interface{})
		Infof(format string, args ...interface{})
	}
}

// New composes a Context from already-constructed components.
func New(cfg *config.Config, keys *config.KeyManager, actor *netactor.Actor, cat *catalog.Catalog, pipeline *shardpipeline.Pipeline, econ *economy.Service, ownerFingerprint string) *Context {
	return &Context{
		cfg:              cfg,
		keys:             keys,
		actor:            actor,
		catalog:          cat,
		pipeline:         pipeline,
		economy:          econ,
		ownerFingerprint: ownerFingerprint,
		log:              logging.Entry("cmdcontext"),
	}
}

// Bootstrap dials configured bootstrap peers and joins the DHT (§4.8,
// delegating to §4.5 Bootstrap).
func (c *Context) Bootstrap(ctx context.Context) error {
	return c.actor.Bootstrap(ctx)
}

// ConnectedPeers reports the node's currently connected peer set.
func (c *Context) ConnectedPeers(ctx context.Context) ([]peer.ID, error) {
	return c.actor.ConnectedPeers(ctx)
}

// GetNetworkStats returns a network stats snapshot (§4.8, §4.5 Stats).
func (c *Context) GetNetworkStats(ctx context.Context) (domain.NetworkStats, error) {
	return c.actor.Stats(ctx)
}

// StoreFile runs the full store pipeline for plaintext under recipientKey,
// enforces the caller's quota, and indexes the result in the catalog under
// name (§4.8 store_file).
func (c *Context) StoreFile(ctx context.Context, name, originalName string, plaintext []byte, recipientKeyName string, tags []string) (domain.FileEntry, error) {
	if int64(len(plaintext)) > c.cfg.Storage.MaxFileSize {
		return domain.FileEntry{}, dmerrors.ErrFileTooLarge
	}

	if c.economy != nil {
		if err := c.economy.Allocate(c.ownerFingerprint, int64(len(plaintext))); err != nil {
			return domain.FileEntry{}, err
		}
	}

	recipient, err := c.keys.PublicKey(recipientKeyName)
	if err != nil {
		if c.economy != nil {
			_ = c.economy.Release(c.ownerFingerprint, int64(len(plaintext)))
		}
		return domain.FileEntry{}, err
	}

	result, err := c.pipeline.Store(ctx, plaintext, recipient)
	if err != nil {
		if c.economy != nil {
			_ = c.economy.Release(c.ownerFingerprint, int64(len(plaintext)))
		}
		return domain.FileEntry{}, err
	}

	entry := domain.FileEntry{
		Name:             name,
		ContentKey:       result.ContentKey,
		OriginalName:     originalName,
		Size:             int64(len(plaintext)),
		UploadedAt:       cryptoutil.Now(),
		OwnerFingerprint: c.ownerFingerprint,
		Tags:             tags,
		Manifest:         result.Manifest,
		HealthyShards:    result.Manifest.TotalShards(),
		TotalShards:      result.Manifest.TotalShards(),
	}
	if result.Degraded {
		entry.HealthyShards = result.Manifest.DataShards + 1
	}

	if err := c.catalog.PutFile(entry); err != nil {
		if c.economy != nil {
			_ = c.economy.Release(c.ownerFingerprint, int64(len(plaintext)))
		}
		return domain.FileEntry{}, err
	}

	c.log.Infof("stored %q as content key %s (%d/%d shards)", name, result.ContentKey, entry.HealthyShards, entry.TotalShards)
	return entry, nil
}

// RetrieveFile looks up name in the catalog and runs the full retrieve
// pipeline using keyName's private key (§4.8 retrieve_file).
func (c *Context) RetrieveFile(ctx context.Context, name, keyName string) ([]byte, error) {
	entry, found, err := c.catalog.GetFileByName(c.ownerFingerprint, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, dmerrors.ErrUnknownName
	}

	private, err := c.keys.PrivateKey(keyName)
	if err != nil {
		return nil, err
	}

	return c.pipeline.Retrieve(ctx, entry.Manifest, private)
}

// ListFiles delegates to the catalog (§4.8, §4.4 list_files).
func (c *Context) ListFiles(tagFilter []string) ([]domain.FileEntry, error) {
	return c.catalog.ListFiles(c.ownerFingerprint, tagFilter)
}

// SearchFiles delegates to the catalog (§4.8, §4.4 search).
func (c *Context) SearchFiles(query string, useRegex bool) ([]domain.FileEntry, error) {
	return c.catalog.Search(c.ownerFingerprint, query, useRegex)
}

// RenameFile delegates to the catalog (§4.8, §4.4 rename).
func (c *Context) RenameFile(oldName, newName string) error {
	return c.catalog.Rename(c.ownerFingerprint, oldName, newName)
}

// UpdateTags delegates to the catalog (§4.8, §4.4 update_tags).
func (c *Context) UpdateTags(name string, add, remove []string) error {
	return c.catalog.UpdateTags(c.ownerFingerprint, name, add, remove)
}

// CheckHealth re-fetches a file's shards without reconstructing, updating
// the catalog's recorded health (§4.4 update_health, §4.3 companion op).
func (c *Context) CheckHealth(ctx context.Context, name string, timeout time.Duration) (healthy, total int, err error) {
	entry, found, err := c.catalog.GetFileByName(c.ownerFingerprint, name)
	if err != nil {
		return 0, 0, err
	}
	if !found {
		return 0, 0, dmerrors.ErrUnknownName
	}

	healthy, total = c.pipeline.HealthCheck(ctx, entry.Manifest, timeout)
	if err := c.catalog.UpdateHealth(c.ownerFingerprint, name, healthy, total); err != nil {
		return healthy, total, err
	}
	return healthy, total, nil
}

// Stats returns the catalog's summary statistics (§4.8, §4.4 stats).
func (c *Context) Stats() (domain.CatalogStats, error) {
	return c.catalog.Stats(c.ownerFingerprint)
}

// EconomyStatistics returns the storage-economy summary (§4.8, §4.7
// get_statistics) when an economy service is wired in.
func (c *Context) EconomyStatistics() (economy.Statistics, bool) {
	if c.economy == nil {
		return economy.Statistics{}, false
	}
	return c.economy.GetStatistics(), true
}

// NodeState reports the network actor's lifecycle state (§4.5, §3).
func (c *Context) NodeState() netactor.State {
	return c.actor.State()
}

// Shutdown stops the network actor, draining outstanding queries, and
// closes the catalog (§4.5 Shutdown, §3 lifecycle).
func (c *Context) Shutdown(ctx context.Context) error {
	if err := c.actor.Shutdown(ctx); err != nil {
		return err
	}
	return c.catalog.Close()
}
