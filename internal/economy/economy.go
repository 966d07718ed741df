// Package economy implements the storage-economy tier system of §4.7:
// Free/Contributor/Premium/Enterprise accounts, quota enforcement,
// contributor proof-of-space challenges, and reputation bookkeeping. State
// lives in memory behind a mutex and is not persisted; it is lost when the
// process exits.
package economy

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"net/mail"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ioustamora/datamesh/internal/cryptoutil"
	"github.com/ioustamora/datamesh/internal/dmerrors"
	"github.com/ioustamora/datamesh/internal/domain"
)

const (
	// reputationContributorFloor is the reputation below which a Contributor
	// is demoted back to Free (§4.7 verify_response).
	reputationContributorFloor = 50
	// contributorMinReputation is required to become a Contributor in the
	// first place (§4.7 become_contributor).
	contributorMinReputation = 75

	defaultFreeBytes = 5 * 1 << 30 // 5 GiB

	minReputation = 0
	maxReputation = 100

	reputationGainOnPass = 2
	reputationLossOnFail = 10
)

// Config tunes tier economics (§4.7, §6).
type Config struct {
	VerificationInterval time.Duration
	PricePerGBMonth       float64
}

// DefaultConfig returns the service's standalone defaults (a 24h
// verification interval, 0.01 per GB-month). These differ from config.Load's
// economy section defaults (3600s, 0.02); cmd/datamesh overrides both fields
// from the loaded config.
func DefaultConfig() Config {
	return Config{
		VerificationInterval: 24 * time.Hour,
		PricePerGBMonth:      0.01,
	}
}

// Challenge is an outstanding proof-of-space verification issued to a
// Contributor (§4.7 issue_challenge). Nonce and the verification snapshot
// are captured at issue time so VerifyResponse can recompute the expected
// proof itself rather than trusting the caller's say-so on pass/fail.
type Challenge struct {
	ID               string
	UserID           string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	Nonce            []byte
	VerificationPath string
	ContributedBytes int64
}

// ComputeProof derives the response a contributor must submit for ch: a
// hash binding the verification path and contributed byte count ch was
// issued against to its nonce. Only whoever actually holds that path can
// reproduce it, which is what VerifyResponse checks the submitted response
// against (§4.7 verify_response).
func ComputeProof(ch Challenge) []byte {
	sum := cryptoutil.Hash([]byte(fmt.Sprintf("%s:%d:%x", ch.VerificationPath, ch.ContributedBytes, ch.Nonce)))
	return sum[:]
}

// Statistics summarises the economy (§4.7 get_statistics).
type Statistics struct {
	TotalUsers          int
	FreeUsers           int
	ContributorUsers    int
	PremiumUsers        int
	EnterpriseUsers     int
	TotalUsedBytes      int64
	TotalContributed    int64
	OpenChallenges      int
}

// Service is the storage-economy engine. All exported methods are safe for
// concurrent use.
type Service struct {
	cfg Config

	mu         sync.Mutex
	users      map[string]*domain.UserProfile
	challenges map[string]Challenge

	now func() time.Time
}

// New builds a Service.
func New(cfg Config) *Service {
	return &Service{
		cfg:        cfg,
		users:      make(map[string]*domain.UserProfile),
		challenges: make(map[string]Challenge),
		now:        time.Now,
	}
}

// RegisterUser creates a new Free-tier account (§4.7 register_user).
func (s *Service) RegisterUser(userID, email string) (domain.UserProfile, error) {
	if userID == "" {
		return domain.UserProfile{}, dmerrors.ErrInvalidName
	}
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return domain.UserProfile{}, dmerrors.ErrMalformedEmail
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[userID]; exists {
		return domain.UserProfile{}, dmerrors.ErrAlreadyExists
	}

	profile := &domain.UserProfile{
		UserID:       userID,
		Email:        email,
		Tier:         domain.TierFree,
		Reputation:   maxReputation,
		LastActiveAt: s.now(),
		MaxBytes:     defaultFreeBytes,
	}
	s.users[userID] = profile
	return *profile, nil
}

func (s *Service) getLocked(userID string) (*domain.UserProfile, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, dmerrors.ErrUnknownName
	}
	return u, nil
}

// SetQuota overrides a user's max byte allocation directly (administrative
// override; §4.7 set_quota).
func (s *Service) SetQuota(userID string, maxBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.getLocked(userID)
	if err != nil {
		return err
	}
	u.MaxBytes = maxBytes
	return nil
}

// Allocate reserves size bytes against the user's quota, failing with
// ErrQuotaExceeded if it would overrun MaxBytes (§4.7 allocate).
func (s *Service) Allocate(userID string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.getLocked(userID)
	if err != nil {
		return err
	}
	if u.UsedBytes+size > u.MaxBytes {
		return dmerrors.ErrQuotaExceeded
	}
	u.UsedBytes += size
	u.UploadCount++
	u.LastActiveAt = s.now()
	return nil
}

// Release returns previously allocated bytes to the quota (e.g. on delete).
func (s *Service) Release(userID string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.getLocked(userID)
	if err != nil {
		return err
	}
	u.UsedBytes -= size
	if u.UsedBytes < 0 {
		u.UsedBytes = 0
	}
	return nil
}

// BecomeContributor upgrades a Free user to Contributor, requiring
// reputation >= 75 and a verified free path capable of holding
// contributedBytes (§4.7 become_contributor). The caller is responsible for
// having already probed verificationPath's free space and passes it as
// freeSpaceBytes; this call compares that figure against contributedBytes,
// enforces the reputation gate, and does the invariant bookkeeping. It does
// not inspect the filesystem itself.
func (s *Service) BecomeContributor(userID, verificationPath string, contributedBytes, freeSpaceBytes int64) (domain.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.getLocked(userID)
	if err != nil {
		return domain.UserProfile{}, err
	}
	if u.Reputation < contributorMinReputation {
		return domain.UserProfile{}, dmerrors.ErrReputationTooLow
	}
	if freeSpaceBytes < contributedBytes {
		return domain.UserProfile{}, dmerrors.ErrInsufficientSpace
	}

	earned := contributedBytes / 4 // §4.7 invariant: earned = floor(contributed/4)
	u.Tier = domain.TierContributor
	u.MaxBytes += earned
	u.Contributor = &domain.ContributorState{
		ContributedBytes: contributedBytes,
		EarnedBytes:      earned,
		VerificationPath: verificationPath,
		LastVerified:     s.now(),
		NextDue:          s.now().Add(s.cfg.VerificationInterval),
		ProofEnabled:     true,
	}
	return *u, nil
}

// UpgradePremium moves a user to Premium/Enterprise, charging
// size_gb*unit_price*months (§4.7 upgrade_premium).
func (s *Service) UpgradePremium(userID string, tier domain.Tier, sizeGB float64, months int, paymentMethod string) (domain.UserProfile, float64, error) {
	if tier != domain.TierPremium && tier != domain.TierEnterprise {
		return domain.UserProfile{}, 0, fmt.Errorf("economy: upgrade target must be premium or enterprise, got %q", tier)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.getLocked(userID)
	if err != nil {
		return domain.UserProfile{}, 0, err
	}

	cost := sizeGB * s.cfg.PricePerGBMonth * float64(months)
	maxBytes := int64(sizeGB * (1 << 30))

	u.Tier = tier
	u.MaxBytes = maxBytes
	u.Premium = &domain.PremiumState{
		MaxBytes:      maxBytes,
		ExpiresAt:     s.now().AddDate(0, months, 0),
		PaymentMethod: paymentMethod,
	}
	if tier == domain.TierEnterprise {
		u.Premium.ReplicationFactor = 3
		u.Premium.SLAPercent = 99.9
	}
	return *u, cost, nil
}

// IssueChallenge creates a proof-of-space verification challenge for a
// Contributor (§4.7 issue_challenge).
func (s *Service) IssueChallenge(userID string, ttl time.Duration) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.getLocked(userID)
	if err != nil {
		return Challenge{}, err
	}
	if u.Tier != domain.TierContributor || u.Contributor == nil {
		return Challenge{}, fmt.Errorf("economy: %s is not a contributor", userID)
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, fmt.Errorf("economy: generating challenge nonce: %w", err)
	}

	ch := Challenge{
		ID:               uuid.NewString(),
		UserID:           userID,
		IssuedAt:         s.now(),
		ExpiresAt:        s.now().Add(ttl),
		Nonce:            nonce,
		VerificationPath: u.Contributor.VerificationPath,
		ContributedBytes: u.Contributor.ContributedBytes,
	}
	s.challenges[ch.ID] = ch
	return ch, nil
}

// VerifyResponse checks response against the proof expected for challengeID
// (§4.7 verify_response), computing pass/fail itself rather than trusting
// the caller, then adjusts reputation and demotes the contributor to Free
// if reputation drops below the contributor floor.
func (s *Service) VerifyResponse(challengeID string, response []byte) (domain.UserProfile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.challenges[challengeID]
	if !ok {
		return domain.UserProfile{}, false, dmerrors.ErrUnknownName
	}
	delete(s.challenges, challengeID)

	u, err := s.getLocked(ch.UserID)
	if err != nil {
		return domain.UserProfile{}, false, err
	}

	passed := bytes.Equal(response, ComputeProof(ch))

	if passed {
		u.Reputation = clampReputation(u.Reputation + reputationGainOnPass)
		if u.Contributor != nil {
			u.Contributor.Passed++
			u.Contributor.LastVerified = s.now()
			u.Contributor.NextDue = s.now().Add(s.cfg.VerificationInterval)
		}
	} else {
		u.Reputation = clampReputation(u.Reputation - reputationLossOnFail)
		u.Violations = append(u.Violations, fmt.Sprintf("failed verification %s at %s", challengeID, s.now().Format(time.RFC3339)))
		if u.Contributor != nil {
			u.Contributor.Failed++
		}
	}

	if u.Tier == domain.TierContributor && u.Reputation < reputationContributorFloor {
		u.Tier = domain.TierFree
		if u.Contributor != nil {
			u.MaxBytes -= u.Contributor.EarnedBytes
			if u.MaxBytes < defaultFreeBytes {
				u.MaxBytes = defaultFreeBytes
			}
		}
		u.Contributor = nil
	}

	return *u, passed, nil
}

func clampReputation(r int) int {
	if r < minReputation {
		return minReputation
	}
	if r > maxReputation {
		return maxReputation
	}
	return r
}

// GetStatistics summarises all accounts (§4.7 get_statistics).
func (s *Service) GetStatistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Statistics
	stats.TotalUsers = len(s.users)
	stats.OpenChallenges = len(s.challenges)

	for _, u := range s.users {
		switch u.Tier {
		case domain.TierFree:
			stats.FreeUsers++
		case domain.TierContributor:
			stats.ContributorUsers++
			if u.Contributor != nil {
				stats.TotalContributed += u.Contributor.ContributedBytes
			}
		case domain.TierPremium:
			stats.PremiumUsers++
		case domain.TierEnterprise:
			stats.EnterpriseUsers++
		}
		stats.TotalUsedBytes += u.UsedBytes
	}
	return stats
}

// GetUser returns a snapshot of a user's profile.
func (s *Service) GetUser(userID string) (domain.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.getLocked(userID)
	if err != nil {
		return domain.UserProfile{}, err
	}
	return *u, nil
}

// ExpireStaleChallenges drops challenges past their deadline without
// recording a pass or fail, so a silent contributor does not accumulate an
// unbounded challenge table. Returns the number removed.
func (s *Service) ExpireStaleChallenges() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, ch := range s.challenges {
		if now.After(ch.ExpiresAt) {
			delete(s.challenges, id)
			removed++
		}
	}
	return removed
}
