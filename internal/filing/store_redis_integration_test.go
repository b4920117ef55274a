//go:build integration

package filing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"erigate/pkg/platform/sentinel"
	"erigate/pkg/testutil/containers"

	"erigate/internal/domain"
	"erigate/internal/filing"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *filing.RedisStore
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.store = filing.NewRedisStore(s.redis.Client)
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisStoreSuite) newFiling() *filing.Filing {
	pan, err := domain.ParsePAN("ABCDE1234F")
	s.Require().NoError(err)
	ay, err := domain.ParseAssessmentYear("2024-25")
	s.Require().NoError(err)
	return filing.New(pan, ay, false, time.Now())
}

func (s *RedisStoreSuite) TestCreateAndGet() {
	ctx := context.Background()
	f := s.newFiling()

	s.Require().NoError(s.store.Create(ctx, f))

	got, err := s.store.Get(ctx, f.Key())
	s.Require().NoError(err)
	s.Equal(f.ID, got.ID)
	s.Equal(filing.StateClientPending, got.State)
}

func (s *RedisStoreSuite) TestCreateRejectsActiveDuplicate() {
	ctx := context.Background()
	f := s.newFiling()

	s.Require().NoError(s.store.Create(ctx, f))
	err := s.store.Create(ctx, s.newFiling())
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *RedisStoreSuite) TestGetMissing() {
	pan, _ := domain.ParsePAN("ABCDE1234F")
	ay, _ := domain.ParseAssessmentYear("2024-25")
	_, err := s.store.Get(context.Background(), domain.FilingKey{PAN: pan, AssessmentYear: ay})
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *RedisStoreSuite) TestUpdateSurvivesContention() {
	ctx := context.Background()
	f := s.newFiling()
	f.Draft = &filing.ReturnDraft{FormData: map[string]any{"n": 0.0}}
	s.Require().NoError(s.store.Create(ctx, f))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.Update(ctx, f.Key(), func(cur *filing.Filing) error {
				cur.Draft.FormData["n"] = cur.Draft.FormData["n"].(float64) + 1
				return nil
			})
			s.NoError(err)
		}()
	}
	wg.Wait()

	got, err := s.store.Get(ctx, f.Key())
	s.Require().NoError(err)
	s.Equal(20.0, got.Draft.FormData["n"])
}

func (s *RedisStoreSuite) TestARNLookupAfterSubmission() {
	ctx := context.Background()
	f := s.newFiling()
	s.Require().NoError(s.store.Create(ctx, f))

	_, err := s.store.Update(ctx, f.Key(), func(cur *filing.Filing) error {
		cur.Record = &filing.FilingRecord{ARN: "ARN-REDIS-1", SubmittedAt: time.Now()}
		return nil
	})
	s.Require().NoError(err)

	got, err := s.store.GetByARN(ctx, "ARN-REDIS-1")
	s.Require().NoError(err)
	s.Equal(f.ID, got.ID)
}

func (s *RedisStoreSuite) TestListByPAN() {
	ctx := context.Background()
	pan, _ := domain.ParsePAN("ABCDE1234F")
	for _, year := range []string{"2023-24", "2024-25"} {
		ay, err := domain.ParseAssessmentYear(year)
		s.Require().NoError(err)
		s.Require().NoError(s.store.Create(ctx, filing.New(pan, ay, true, time.Now())))
	}

	list, err := s.store.ListByPAN(ctx, pan)
	s.Require().NoError(err)
	s.Len(list, 2)
}

func (s *RedisStoreSuite) TestOnboardingRegistry() {
	ctx := context.Background()
	pan, _ := domain.ParsePAN("ABCDE1234F")

	ok, err := s.store.IsOnboarded(ctx, pan)
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.store.MarkOnboarded(ctx, pan))
	ok, err = s.store.IsOnboarded(ctx, pan)
	s.Require().NoError(err)
	s.True(ok)

	s.Require().NoError(s.store.RevokeOnboarding(ctx, pan))
	ok, err = s.store.IsOnboarded(ctx, pan)
	s.Require().NoError(err)
	s.False(ok)
}
