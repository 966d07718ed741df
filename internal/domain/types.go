// Package domain holds the data model shared across DataMesh's components:
// catalog rows, shard manifests, key files, user profiles and the transient
// network stats snapshot described in the core specification.
package domain

import "time"

// ShardRole distinguishes a Reed-Solomon data shard from a parity shard.
type ShardRole string

const (
	ShardRoleData   ShardRole = "data"
	ShardRoleParity ShardRole = "parity"
)

// ShardDescriptor is one entry of a ShardManifest.
type ShardDescriptor struct {
	Index       int       `json:"index"`
	Role        ShardRole `json:"role"`
	ShardHash   string    `json:"shard_hash"`
	DHTKey      string    `json:"dht_key"`
	EncodedSize int       `json:"encoded_size"`
}

// ShardManifest is the ordered, immutable list of shard descriptors for one
// stored file. Invariant: len(Shards) == DataShards+ParityShards, indices
// 0..DataShards are data shards, the rest parity (§3).
type ShardManifest struct {
	ContentKey   string            `json:"content_key"`
	DataShards   int               `json:"data_shards"`
	ParityShards int               `json:"parity_shards"`
	ShardLen     int               `json:"shard_len"`
	PlainHash    string            `json:"plain_hash"`
	OriginalSize int64             `json:"original_size"`
	CiphertextLen int64            `json:"ciphertext_len"`
	Shards       []ShardDescriptor `json:"shards"`
}

// TotalShards returns DataShards+ParityShards.
func (m ShardManifest) TotalShards() int { return m.DataShards + m.ParityShards }

// FileEntry is a catalog row: a human name and content key mapped to a shard
// manifest plus health and bookkeeping state (§3).
type FileEntry struct {
	Name            string    `json:"name"`
	ContentKey      string    `json:"content_key"`
	OriginalName    string    `json:"original_name"`
	Size            int64     `json:"size"`
	UploadedAt      time.Time `json:"uploaded_at"`
	OwnerFingerprint string   `json:"owner_fingerprint"`
	Tags            []string  `json:"tags"`
	Manifest        ShardManifest `json:"manifest"`
	HealthyShards   int       `json:"healthy_shards"`
	TotalShards     int       `json:"total_shards"`
}

// KeyFile is the on-disk representation of a generated or imported keypair
// (§6: TOML with name/created_at/public_key_hex/private_key_hex).
type KeyFile struct {
	Name          string    `toml:"name"`
	CreatedAt     time.Time `toml:"created_at"`
	PublicKeyHex  string    `toml:"public_key_hex"`
	PrivateKeyHex string    `toml:"private_key_hex"`
}

// Tier identifies a storage-economy classification (§4.7).
type Tier string

const (
	TierFree        Tier = "free"
	TierContributor Tier = "contributor"
	TierPremium     Tier = "premium"
	TierEnterprise  Tier = "enterprise"
)

// ContributorState holds the Contributor-tier specific fields.
type ContributorState struct {
	ContributedBytes int64     `json:"contributed_bytes"`
	EarnedBytes      int64     `json:"earned_bytes"`
	VerificationPath string    `json:"verification_path"`
	LastVerified     time.Time `json:"last_verified"`
	Passed           int       `json:"passed"`
	Failed           int       `json:"failed"`
	NextDue          time.Time `json:"next_due"`
	ProofEnabled     bool      `json:"proof_enabled"`
}

// PremiumState holds Premium/Enterprise specific fields.
type PremiumState struct {
	MaxBytes         int64     `json:"max_bytes"`
	ExpiresAt        time.Time `json:"expires_at"`
	PaymentMethod    string    `json:"payment_method"`
	Features         []string  `json:"features,omitempty"`
	DedicatedNodes   int       `json:"dedicated_nodes,omitempty"`
	ReplicationFactor int      `json:"replication_factor,omitempty"`
	SLAPercent       float64   `json:"sla_percent,omitempty"`
}

// UserProfile is the economy's user row (§3, §4.7).
type UserProfile struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	Tier         Tier      `json:"tier"`
	Reputation   int       `json:"reputation"`
	Violations   []string  `json:"violations"`
	LastActiveAt time.Time `json:"last_active_at"`
	MaxBytes     int64     `json:"max_bytes"`
	UsedBytes    int64     `json:"used_bytes"`
	UploadCount  int64     `json:"upload_count"`
	DownloadCount int64    `json:"download_count"`
	Contributor  *ContributorState `json:"contributor,omitempty"`
	Premium      *PremiumState     `json:"premium,omitempty"`
}

// NetworkStats is a transient snapshot produced on demand by the network
// actor; it is never persisted (§3).
type NetworkStats struct {
	LocalPeerID       string `json:"local_peer_id"`
	ConnectedPeers    int    `json:"connected_peers"`
	RoutingTableSize  int    `json:"routing_table_size"`
	InFlightQueries   int    `json:"in_flight_queries"`
	EventsProcessed   uint64 `json:"events_processed"`
	State             string `json:"state"`
}

// CatalogStats is the summary returned by Catalog.Stats.
type CatalogStats struct {
	FileCount     int     `json:"file_count"`
	TotalBytes    int64   `json:"total_bytes"`
	AverageHealth float64 `json:"average_health"`
}
