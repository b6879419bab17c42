package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"forge-admin/internal/dto"
	"forge-admin/internal/model"
	"forge-admin/internal/pkg/aiservice"
	"forge-admin/internal/pkg/crypto"
	"forge-admin/internal/pkg/platformkey"
	"forge-admin/internal/repository"
	"forge-admin/internal/testutil"
	pkgErrors "forge-admin/pkg/responses"
)

const (
	testAESKey      = "0123456789abcdef0123456789abcdef"
	userKey         = "sk-test1234567890"
	platformOpenAI  = "sk-platform-openai-0000"
	otherUserKey    = "sk-other0987654321"
	anthropicKeyOne = "sk-ant-api03-abcdefgh"
)

type credentialFixture struct {
	db     *gorm.DB
	repo   *repository.CredentialRepository
	events *repository.CredentialEventRepository
	cipher *crypto.AESCipher
	svc    CredentialService
}

func newFixture(t *testing.T, platformKeys map[string]string) *credentialFixture {
	t.Helper()
	db := testutil.NewDB(t)
	cipher, err := crypto.NewAESCipher(testAESKey)
	require.NoError(t, err)

	f := &credentialFixture{
		db:     db,
		repo:   repository.NewCredentialRepository(db),
		events: repository.NewCredentialEventRepository(db),
		cipher: cipher,
	}
	f.svc = NewCredentialService(f.repo, f.events, cipher, platformkey.New(platformKeys), nil)
	t.Cleanup(f.svc.Wait)
	return f
}

func (f *credentialFixture) rows(t *testing.T, userID string) []*model.UserCredential {
	t.Helper()
	list, err := f.repo.ListByUser(context.Background(), userID)
	require.NoError(t, err)
	return list
}

func (f *credentialFixture) corrupt(t *testing.T, userID string, service aiservice.Service, ciphertext string) {
	t.Helper()
	err := f.db.Model(&model.UserCredential{}).
		Where("user_id = ? AND service = ?", userID, service).
		UpdateColumn("encrypted_key", ciphertext).Error
	require.NoError(t, err)
}

// countingStore 统计写操作次数
type countingStore struct {
	CredentialStore
	writes atomic.Int32
}

func (s *countingStore) Create(ctx context.Context, c *model.UserCredential) error {
	s.writes.Add(1)
	return s.CredentialStore.Create(ctx, c)
}

func (s *countingStore) UpdateKey(ctx context.Context, c *model.UserCredential) error {
	s.writes.Add(1)
	return s.CredentialStore.UpdateKey(ctx, c)
}

func TestSetCredential_RejectsBeforeWrite(t *testing.T) {
	f := newFixture(t, nil)
	store := &countingStore{CredentialStore: f.repo}
	svc := NewCredentialService(store, f.events, f.cipher, platformkey.New(nil), nil)
	ctx := context.Background()

	cases := []struct {
		name    string
		userID  string
		service aiservice.Service
		key     string
		message string
	}{
		{"unsupported service", "u1", aiservice.Service("midjourney"), userKey, "midjourney"},
		{"empty service", "u1", aiservice.Service(""), userKey, "不支持"},
		{"bad format", "u1", aiservice.OpenAI, "not-a-key", "OpenAI"},
		{"wrong service format", "u1", aiservice.Anthropic, userKey, "Anthropic"},
		{"empty key", "u1", aiservice.Meshy, "", "Meshy"},
		{"empty user", "", aiservice.OpenAI, userKey, "用户ID"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := svc.SetCredential(ctx, tc.userID, tc.service, tc.key)
			assert.Nil(t, resp)
			var appErr *pkgErrors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, pkgErrors.CodeValidationError, appErr.Code)
			assert.Contains(t, appErr.Message, tc.message)
		})
	}

	assert.Zero(t, store.writes.Load())
	assert.Empty(t, f.rows(t, "u1"))
}

func TestSetCredential_RoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	resp, err := f.svc.SetCredential(ctx, "u1", aiservice.OpenAI, userKey)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "openai", resp.Service)
	assert.Equal(t, "sk-test1", resp.KeyPrefix)
	assert.True(t, resp.IsActive)
	assert.Nil(t, resp.LastUsedAt)

	row, err := f.repo.Find(ctx, "u1", aiservice.OpenAI, true)
	require.NoError(t, err)
	assert.NotEqual(t, userKey, row.EncryptedKey)

	plain, err := f.cipher.Decrypt(row.EncryptedKey)
	require.NoError(t, err)
	assert.Equal(t, userKey, plain)
}

func TestSetCredential_UpsertKeepsSingleRow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.SetCredential(ctx, "u1", aiservice.OpenAI, userKey)
	require.NoError(t, err)
	second, err := f.svc.SetCredential(ctx, "u1", aiservice.OpenAI, otherUserKey)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "sk-other", second.KeyPrefix)

	rows := f.rows(t, "u1")
	require.Len(t, rows, 1)
	plain, err := f.cipher.Decrypt(rows[0].EncryptedKey)
	require.NoError(t, err)
	assert.Equal(t, otherUserKey, plain)

	key, ok := f.svc.GetAPIKey(ctx, "u1", aiservice.OpenAI)
	assert.True(t, ok)
	assert.Equal(t, otherUserKey, key)
}

func TestSetCredential_ReactivatesDeactivatedRow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SetCredential(ctx, "u1", aiservice.OpenAI, userKey)
	require.NoError(t, err)
	ok, err := f.svc.DeactivateCredential(ctx, "u1", aiservice.OpenAI)
	require.NoError(t, err)
	require.True(t, ok)

	resp, err := f.svc.SetCredential(ctx, "u1", aiservice.OpenAI, otherUserKey)
	require.NoError(t, err)
	assert.True(t, resp.IsActive)

	has, err := f.svc.HasCredential(ctx, "u1", aiservice.OpenAI)
	require.NoError(t, err)
	assert.True(t, has)
	assert.Len(t, f.rows(t, "u1"), 1)
}

func TestSetCredential_ConcurrentUpsert(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SetCredential(ctx, "u1", aiservice.OpenAI, userKey)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, f.rows(t, "u1"), 1)
}

// racingStore 模拟另一个请求在查询和插入之间抢先写入
type racingStore struct {
	CredentialStore
	raced bool
}

func (s *racingStore) Find(ctx context.Context, userID string, service aiservice.Service, activeOnly bool) (*model.UserCredential, error) {
	if !s.raced {
		return nil, pkgErrors.ErrRecordNotFound
	}
	return s.CredentialStore.Find(ctx, userID, service, activeOnly)
}

func (s *racingStore) Create(ctx context.Context, c *model.UserCredential) error {
	s.raced = true
	winner := &model.UserCredential{
		UserID:       c.UserID,
		Service:      c.Service,
		EncryptedKey: "winner",
		KeyPrefix:    "winner",
		IsActive:     true,
	}
	if err := s.CredentialStore.Create(ctx, winner); err != nil {
		return err
	}
	return s.CredentialStore.Create(ctx, c)
}

func TestSetCredential_InsertConflictRetriedAsUpdate(t *testing.T) {
	f := newFixture(t, nil)
	store := &racingStore{CredentialStore: f.repo}
	svc := NewCredentialService(store, f.events, f.cipher, platformkey.New(nil), nil)
	t.Cleanup(svc.Wait)
	ctx := context.Background()

	resp, err := svc.SetCredential(ctx, "u1", aiservice.OpenAI, userKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-test1", resp.KeyPrefix)

	rows := f.rows(t, "u1")
	require.Len(t, rows, 1)
	assert.Equal(t, resp.ID, rows[0].ID)
	plain, err := f.cipher.Decrypt(rows[0].EncryptedKey)
	require.NoError(t, err)
	assert.Equal(t, userKey, plain)
}

func TestGetAPIKey_Fallback(t *testing.T) {
	ctx := context.Background()

	withPlatform := newFixture(t, map[string]string{"openai": platformOpenAI})
	key, ok := withPlatform.svc.GetAPIKey(ctx, "u1", aiservice.OpenAI)
	assert.True(t, ok)
	assert.Equal(t, platformOpenAI, key)

	key, ok = withPlatform.svc.GetAPIKey(ctx, "u1", aiservice.Meshy)
	assert.False(t, ok)
	assert.Empty(t, key)

	without := newFixture(t, nil)
	key, ok = without.svc.GetAPIKey(ctx, "u1", aiservice.OpenAI)
	assert.False(t, ok)
	assert.Empty(t, key)

	key, ok = withPlatform.svc.GetAPIKey(ctx, "u1", aiservice.Service("midjourney"))
	assert.False(t, ok)
	assert.Empty(t, key)
}

func TestGetAPIKey_UserKeyTakesPriority(t *testing.T) {
	f := newFixture(t, map[string]string{"openai": platformOpenAI})
	ctx := context.Background()

	_, err := f.svc.SetCredential(ctx, "u1", aiservice.OpenAI, userKey)
	require.NoError(t, err)

	key, ok := f.svc.GetAPIKey(ctx, "u1", aiservice.OpenAI)
	assert.True(t, ok)
	assert.Equal(t, userKey, key)

	res := f.svc.ResolveAPIKey(ctx, "u1", aiservice.OpenAI)
	assert.Equal(t, KeySourceUser, res.Source)
	assert.Equal(t, "sk-test1", res.KeyPrefix)

	// 其他用户不受影响
	res = f.svc.ResolveAPIKey(ctx, "u2", aiservice.OpenAI)
	assert.Equal(t, KeySourcePlatform, res.Source)
	assert.Equal(t, platformOpenAI, res.Key)
}

func TestGetAPIKey_DecryptFailureFallsBack(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, map[string]string{"openai": platformOpenAI})
	_, err := f.svc.SetCredential(ctx, "u1", aiservice.OpenAI, userKey)
	require.NoError(t, err)
	_, err = f.svc.SetCredential(ctx, "u1", aiservice.Meshy, "msy_abcdefgh1234")
	require.NoError(t, err)

	f.corrupt(t, "u1", aiservice.OpenAI, "corrupted-payload")
	f.corrupt(t, "u1", aiservice.Meshy, "corrupted-payload")

	key, ok := f.svc.GetAPIKey(ctx, "u1", aiservice.OpenAI)
	assert.True(t, ok)
	assert.Equal(t, platformOpenAI, key)

	key, ok = f.svc.GetAPIKey(ctx, "u1", aiservice.Meshy)
	assert.False(t, ok)
	assert.Empty(t, key)

	f.svc.Wait()
	events, err := f.svc.ListEvents(ctx, "u1", 10)
	require.NoError(t, err)
	failures := 0
	for _, e := range events {
		if e.Action == string(model.CredentialActionDecryptFailed) {
			failures++
			assert.NotContains(t, string(e.Detail), "corrupted-payload")
		}
	}
	assert.Equal(t, 2, failures)
}

func TestGetAPIKey_WrongCipherKeyFallsBack(t *testing.T) {
	f := newFixture(t, map[string]string{"openai": platformOpenAI})
	ctx := context.Background()

	_, err := f.svc.SetCredential(ctx, "u1", aiservice.OpenAI, userKey)
	require.NoError(t, err)

	rotated, err := crypto.NewAESCipher("another secret entirely")
	require.NoError(t, err)
	svc := NewCredentialService(f.repo, f.events, rotated, platformkey.New(map[string]string{"openai": platformOpenAI}), nil)
	t.Cleanup(svc.Wait)

	key, ok := svc.GetAPIKey(ctx, "u1", aiservice.OpenAI)
	assert.True(t, ok)
	assert.Equal(t, platformOpenAI, key)
}

func TestGetAPIKey_UpdatesLastUsedAsync(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SetCredential(ctx, "u1", aiservice.OpenAI, userKey)
	require.NoError(t, err)

	_, ok := f.svc.GetAPIKey(ctx, "u1", aiservice.OpenAI)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		row, err := f.repo.Find(ctx, "u1", aiservice.OpenAI, true)
		return err == nil && row.LastUsedAt != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetAPIKey_CancelledRequestStillRecordsUsage(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.SetCredential(context.Background(), "u1", aiservice.OpenAI, userKey)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	key, ok := f.svc.GetAPIKey(ctx, "u1", aiservice.OpenAI)
	cancel()
	require.True(t, ok)
	assert.Equal(t, userKey, key)

	f.svc.Wait()
	row, err := f.repo.Find(context.Background(), "u1", aiservice.OpenAI, true)
	require.NoError(t, err)
	assert.NotNil(t, row.LastUsedAt)
}

// flakyStore 模拟存储故障
type flakyStore struct {
	CredentialStore
	findErr  error
	touchErr error
	touchHit chan struct{}
}

func (s *flakyStore) Find(ctx context.Context, userID string, service aiservice.Service, activeOnly bool) (*model.UserCredential, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.CredentialStore.Find(ctx, userID, service, activeOnly)
}

func (s *flakyStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	if s.touchHit != nil {
		<-s.touchHit
	}
	if s.touchErr != nil {
		return s.touchErr
	}
	return s.CredentialStore.TouchLastUsed(ctx, id, at)
}

func TestGetAPIKey_LastUsedFailureDoesNotAffectResult(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.svc.SetCredential(ctx, "u1", aiservice.OpenAI, userKey)
	require.NoError(t, err)

	release := make(chan struct{})
	store := &flakyStore{CredentialStore: f.repo, touchErr: errors.New("disk full"), touchHit: release}
	svc := NewCredentialService(store, f.events, f.cipher, platformkey.New(nil), nil)

	// TouchLastUsed 被阻塞时解析依然立即返回
	key, ok := svc.GetAPIKey(ctx, "u1", aiservice.OpenAI)
	assert.True(t, ok)
	assert.Equal(t, userKey, key)

	close(release)
	svc.Wait()
}

func TestGetAPIKey_StoreFailureFallsBack(t *testing.T) {
	f := newFixture(t, nil)
	store := &flakyStore{CredentialStore: f.repo, findErr: pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询凭据失败", errors.New("connection refused"))}
	svc := NewCredentialService(store, f.events, f.cipher, platformkey.New(map[string]string{"openai": platformOpenAI}), nil)
	t.Cleanup(svc.Wait)

	key, ok := svc.GetAPIKey(context.Background(), "u1", aiservice.OpenAI)
	assert.True(t, ok)
	assert.Equal(t, platformOpenAI, key)
}

func TestResponses_NeverExposeKeyMaterial(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	set, err := f.svc.SetCredential(ctx, "u1", aiservice.OpenAI, userKey)
	require.NoError(t, err)
	_, err = f.svc.SetCredential(ctx, "u1", aiservice.Anthropic, anthropicKeyOne)
	require.NoError(t, err)
	list, err := f.svc.GetUserCredentials(ctx, "u1")
	require.NoError(t, err)
	events, err := f.svc.ListEvents(ctx, "u1", 10)
	require.NoError(t, err)
	statuses, err := f.svc.GetCredentialStatuses(ctx, "u1")
	require.NoError(t, err)
	resolution := f.svc.ResolveAPIKey(ctx, "u1", aiservice.OpenAI)

	rows := f.rows(t, "u1")
	for _, v := range []interface{}{set, list, events, statuses, resolution} {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		body := string(raw)
		assert.NotContains(t, body, "encrypted")
		assert.NotContains(t, body, userKey)
		assert.NotContains(t, body, anthropicKeyOne)
		for _, row := range rows {
			assert.NotContains(t, body, row.EncryptedKey)
		}
	}
}

func TestDeactivateAndDelete(t *testing.T) {
	f := newFixture(t, map[string]string{"openai": platformOpenAI})
	ctx := context.Background()

	_, err := f.svc.SetCredential(ctx, "u1", aiservice.OpenAI, userKey)
	require.NoError(t, err)

	ok, err := f.svc.DeactivateCredential(ctx, "u1", aiservice.OpenAI)
	require.NoError(t, err)
	assert.True(t, ok)

	// 行仍然存在, 重复调用依然返回 true
	ok, err = f.svc.DeactivateCredential(ctx, "u1", aiservice.OpenAI)
	require.NoError(t, err)
	assert.True(t, ok)

	has, err := f.svc.HasCredential(ctx, "u1", aiservice.OpenAI)
	require.NoError(t, err)
	assert.False(t, has)

	list, err := f.svc.GetUserCredentials(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].IsActive)

	key, _ := f.svc.GetAPIKey(ctx, "u1", aiservice.OpenAI)
	assert.Equal(t, platformOpenAI, key)

	removed, err := f.svc.DeleteCredential(ctx, "u1", aiservice.OpenAI)
	require.NoError(t, err)
	assert.True(t, removed)

	list, err = f.svc.GetUserCredentials(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)

	removed, err = f.svc.DeleteCredential(ctx, "u1", aiservice.OpenAI)
	require.NoError(t, err)
	assert.False(t, removed)

	ok, err = f.svc.DeactivateCredential(ctx, "u1", aiservice.OpenAI)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetUserCredentials_ScopedToUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SetCredential(ctx, "u1", aiservice.OpenAI, userKey)
	require.NoError(t, err)
	_, err = f.svc.SetCredential(ctx, "u1", aiservice.Anthropic, anthropicKeyOne)
	require.NoError(t, err)
	_, err = f.svc.SetCredential(ctx, "u2", aiservice.OpenAI, otherUserKey)
	require.NoError(t, err)

	first, err := f.svc.GetUserCredentials(ctx, "u1")
	require.NoError(t, err)
	second, err := f.svc.GetUserCredentials(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, first, second)

	removed, err := f.svc.DeleteCredential(ctx, "u2", aiservice.Anthropic)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestGetCredentialStatuses(t *testing.T) {
	f := newFixture(t, map[string]string{"openai": platformOpenAI, "fal": "fal-id-0000:abcdef0123"})
	ctx := context.Background()

	_, err := f.svc.SetCredential(ctx, "u1", aiservice.OpenAI, userKey)
	require.NoError(t, err)
	_, err = f.svc.SetCredential(ctx, "u1", aiservice.Meshy, "msy_abcdefgh1234")
	require.NoError(t, err)
	_, err = f.svc.DeactivateCredential(ctx, "u1", aiservice.Meshy)
	require.NoError(t, err)

	statuses, err := f.svc.GetCredentialStatuses(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, statuses, len(aiservice.All()))

	byService := map[string]bool{}
	platform := map[string]bool{}
	for _, st := range statuses {
		byService[st.Service] = st.Configured
		platform[st.Service] = st.PlatformAvailable
	}
	assert.True(t, byService["openai"])
	assert.False(t, byService["meshy"])
	assert.False(t, byService["anthropic"])
	assert.True(t, platform["openai"])
	assert.True(t, platform["fal"])
	assert.False(t, platform["meshy"])
}

func TestCredentialLifecycle_EndToEnd(t *testing.T) {
	for _, tc := range []struct {
		name     string
		platform map[string]string
		want     string
		wantOK   bool
	}{
		{"platform key configured", map[string]string{"openai": platformOpenAI}, platformOpenAI, true},
		{"platform key unset", nil, "", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.platform)
			ctx := context.Background()

			_, err := f.svc.SetCredential(ctx, "u1", aiservice.OpenAI, "sk-test1234567890")
			require.NoError(t, err)

			has, err := f.svc.HasCredential(ctx, "u1", aiservice.OpenAI)
			require.NoError(t, err)
			assert.True(t, has)

			key, ok := f.svc.GetAPIKey(ctx, "u1", aiservice.OpenAI)
			assert.True(t, ok)
			assert.Equal(t, "sk-test1234567890", key)

			deactivated, err := f.svc.DeactivateCredential(ctx, "u1", aiservice.OpenAI)
			require.NoError(t, err)
			assert.True(t, deactivated)

			key, ok = f.svc.GetAPIKey(ctx, "u1", aiservice.OpenAI)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, key)

			has, err = f.svc.HasCredential(ctx, "u1", aiservice.OpenAI)
			require.NoError(t, err)
			assert.False(t, has)

			f.svc.Wait()
			events, err := f.svc.ListEvents(ctx, "u1", 10)
			require.NoError(t, err)
			actions := lo.Map(events, func(e *dto.CredentialEventResponse, _ int) string { return e.Action })
			assert.ElementsMatch(t, []string{"set", "deactivate"}, actions)
		})
	}
}
