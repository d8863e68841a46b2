package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamscao/pkiserver/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(time.Hour, 10*time.Minute)
	t.Cleanup(s.Stop)
	return s
}

func testUser() *models.User {
	return &models.User{ID: 1, Username: "alice", IsActive: true}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.Create(ResolvedPrincipal(testUser()), MethodCertificate)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, MethodCertificate, sess.AuthMethod)
	assert.False(t, sess.MFAVerified)

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Principal.Username())

	user, ok := got.Principal.User()
	require.True(t, ok)
	assert.Equal(t, int64(1), user.ID)
}

func TestGet_UnknownID(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGet_ExpiredSession(t *testing.T) {
	s := NewStore(-time.Second, 10*time.Minute)
	t.Cleanup(s.Stop)

	sess, err := s.Create(PendingPrincipal("bob"), MethodPassword)
	require.NoError(t, err)

	_, err = s.Get(sess.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.Create(ResolvedPrincipal(testUser()), MethodPassword)
	require.NoError(t, err)

	s.Delete(sess.ID)
	_, err = s.Get(sess.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, s.Len())
}

func TestPendingSecret_WriteOnce(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.Create(ResolvedPrincipal(testUser()), MethodCertificate)
	require.NoError(t, err)

	require.NoError(t, s.StagePendingSecret(sess.ID, "SECRET1"))

	// A second stage while the first is live must not overwrite it.
	err = s.StagePendingSecret(sess.ID, "SECRET2")
	require.ErrorIs(t, err, ErrPendingSecretExists)

	secret, err := s.PendingSecret(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "SECRET1", secret)
}

func TestPendingSecret_ExpiresAndRestages(t *testing.T) {
	s := NewStore(time.Hour, -time.Second)
	t.Cleanup(s.Stop)

	sess, err := s.Create(ResolvedPrincipal(testUser()), MethodCertificate)
	require.NoError(t, err)

	require.NoError(t, s.StagePendingSecret(sess.ID, "OLD"))

	_, err = s.PendingSecret(sess.ID)
	require.ErrorIs(t, err, ErrNoPendingSecret)

	// Expired secrets free the slot for a fresh enrollment attempt.
	require.NoError(t, s.StagePendingSecret(sess.ID, "NEW"))
}

func TestPendingSecret_NoneStaged(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.Create(ResolvedPrincipal(testUser()), MethodCertificate)
	require.NoError(t, err)

	_, err = s.PendingSecret(sess.ID)
	require.ErrorIs(t, err, ErrNoPendingSecret)
}

func TestMarkMFAVerified_ClearsStagedSecret(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.Create(ResolvedPrincipal(testUser()), MethodCertificate)
	require.NoError(t, err)
	require.NoError(t, s.SetSetupRequired(sess.ID, true))
	require.NoError(t, s.StagePendingSecret(sess.ID, "SECRET"))

	require.NoError(t, s.MarkMFAVerified(sess.ID, "alice"))

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.True(t, got.MFAVerified)
	assert.Equal(t, "alice", got.MFAVerifiedBy)
	assert.False(t, got.MFASetupRequired)
	assert.WithinDuration(t, time.Now(), got.MFAVerifiedAt, time.Second)

	_, err = s.PendingSecret(sess.ID)
	require.ErrorIs(t, err, ErrNoPendingSecret)
}

func TestGet_ReturnsSnapshot(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.Create(ResolvedPrincipal(testUser()), MethodCertificate)
	require.NoError(t, err)
	require.NoError(t, s.SetSetupRequired(sess.ID, true))

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.True(t, got.MFASetupRequired)

	// Writing to the returned value must not leak into the store.
	got.MFAVerified = true
	got.MFASetupRequired = false

	again, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.False(t, again.MFAVerified)
	assert.True(t, again.MFASetupRequired)
}

func TestConcurrentReadsAndWrites(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.Create(ResolvedPrincipal(testUser()), MethodCertificate)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(flag bool) {
			defer wg.Done()
			_ = s.SetSetupRequired(sess.ID, flag)
		}(i%2 == 0)
		go func() {
			defer wg.Done()
			if got, err := s.Get(sess.ID); err == nil {
				_ = got.MFASetupRequired
			}
		}()
	}
	wg.Wait()

	require.NoError(t, s.MarkMFAVerified(sess.ID, "alice"))
	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.True(t, got.MFAVerified)
}

func TestPrincipal_PendingHasNoUser(t *testing.T) {
	p := PendingPrincipal("ghost")
	assert.Equal(t, "ghost", p.Username())
	assert.False(t, p.Resolved())

	_, ok := p.User()
	assert.False(t, ok)
}
