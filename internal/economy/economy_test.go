package economy

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ioustamora/datamesh/internal/dmerrors"
	"github.com/ioustamora/datamesh/internal/domain"
)

func TestRegisterUserDefaultsToFreeTier(t *testing.T) {
	svc := New(DefaultConfig())
	u, err := svc.RegisterUser("alice", "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, domain.TierFree, u.Tier)
	require.Equal(t, int64(5*(1<<30)), u.MaxBytes)
	require.Equal(t, maxReputation, u.Reputation)
}

func TestRegisterUserRejectsMalformedEmail(t *testing.T) {
	svc := New(DefaultConfig())
	_, err := svc.RegisterUser("alice", "not-an-email")
	require.ErrorIs(t, err, dmerrors.ErrMalformedEmail)
}

func TestRegisterUserRejectsDuplicate(t *testing.T) {
	svc := New(DefaultConfig())
	_, err := svc.RegisterUser("alice", "a@example.com")
	require.NoError(t, err)
	_, err = svc.RegisterUser("alice", "a@example.com")
	require.ErrorIs(t, err, dmerrors.ErrAlreadyExists)
}

func TestAllocateEnforcesQuota(t *testing.T) {
	svc := New(DefaultConfig())
	_, err := svc.RegisterUser("bob", "b@example.com")
	require.NoError(t, err)
	require.NoError(t, svc.SetQuota("bob", 100))

	require.NoError(t, svc.Allocate("bob", 60))
	err = svc.Allocate("bob", 50)
	require.ErrorIs(t, err, dmerrors.ErrQuotaExceeded)
}

func TestBecomeContributorRequiresReputationAndSpace(t *testing.T) {
	svc := New(DefaultConfig())
	_, err := svc.RegisterUser("carol", "c@example.com")
	require.NoError(t, err)

	_, err = svc.BecomeContributor("carol", "/data/contrib", 100, 50)
	require.ErrorIs(t, err, dmerrors.ErrInsufficientSpace)

	u, err := svc.BecomeContributor("carol", "/data/contrib", 100, 200)
	require.NoError(t, err)
	require.Equal(t, domain.TierContributor, u.Tier)
	require.Equal(t, int64(25), u.Contributor.EarnedBytes) // floor(100/4)
}

func TestBecomeContributorRejectsLowReputation(t *testing.T) {
	svc := New(DefaultConfig())
	_, err := svc.RegisterUser("dave", "d@example.com")
	require.NoError(t, err)

	// Drive reputation below the minimum required to become a contributor
	// (75) via failed verifications: 100 - 5*10 = 50.
	u, _ := svc.GetUser("dave")
	require.Equal(t, 100, u.Reputation)

	for i := 0; i < 5; i++ {
		ch, err := svc.issueRawChallengeForTest("dave", time.Minute)
		require.NoError(t, err)
		_, passed, err := svc.VerifyResponse(ch.ID, []byte("wrong-response"))
		require.NoError(t, err)
		require.False(t, passed)
	}

	_, err = svc.BecomeContributor("dave", "/data", 10, 100)
	require.ErrorIs(t, err, dmerrors.ErrReputationTooLow)
}

// issueRawChallengeForTest bypasses the Contributor-tier gate in
// IssueChallenge so reputation-degradation tests don't need a full
// contributor upgrade first.
func (s *Service) issueRawChallengeForTest(userID string, ttl time.Duration) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getLocked(userID); err != nil {
		return Challenge{}, err
	}
	ch := Challenge{ID: uuid.NewString(), UserID: userID, IssuedAt: s.now(), ExpiresAt: s.now().Add(ttl)}
	s.challenges[ch.ID] = ch
	return ch, nil
}

func TestUpgradePremiumComputesCost(t *testing.T) {
	svc := New(DefaultConfig())
	_, err := svc.RegisterUser("erin", "e@example.com")
	require.NoError(t, err)

	u, cost, err := svc.UpgradePremium("erin", domain.TierPremium, 100, 3, "card")
	require.NoError(t, err)
	require.Equal(t, domain.TierPremium, u.Tier)
	require.InDelta(t, 100*DefaultConfig().PricePerGBMonth*3, cost, 0.0001)
}

func TestVerifyResponsePassRecordsPassedChallenge(t *testing.T) {
	svc := New(DefaultConfig())
	_, err := svc.RegisterUser("frank", "f@example.com")
	require.NoError(t, err)
	_, err = svc.BecomeContributor("frank", "/data", 40, 100)
	require.NoError(t, err)

	ch, err := svc.IssueChallenge("frank", time.Minute)
	require.NoError(t, err)

	u, passed, err := svc.VerifyResponse(ch.ID, ComputeProof(ch))
	require.NoError(t, err)
	require.True(t, passed)
	require.Equal(t, domain.TierContributor, u.Tier)
	require.Equal(t, 1, u.Contributor.Passed)
}

func TestVerifyResponseRejectsWrongProof(t *testing.T) {
	svc := New(DefaultConfig())
	_, err := svc.RegisterUser("gina", "gina@example.com")
	require.NoError(t, err)
	_, err = svc.BecomeContributor("gina", "/data", 40, 100)
	require.NoError(t, err)

	ch, err := svc.IssueChallenge("gina", time.Minute)
	require.NoError(t, err)

	u, passed, err := svc.VerifyResponse(ch.ID, []byte("not the proof"))
	require.NoError(t, err)
	require.False(t, passed)
	require.Equal(t, 1, u.Contributor.Failed)
}

func TestGetStatisticsCountsTiers(t *testing.T) {
	svc := New(DefaultConfig())
	_, _ = svc.RegisterUser("g1", "")
	_, _ = svc.RegisterUser("g2", "")
	_, err := svc.BecomeContributor("g2", "/data", 40, 100)
	require.NoError(t, err)

	stats := svc.GetStatistics()
	require.Equal(t, 2, stats.TotalUsers)
	require.Equal(t, 1, stats.FreeUsers)
	require.Equal(t, 1, stats.ContributorUsers)
}
