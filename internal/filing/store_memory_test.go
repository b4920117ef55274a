package filing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erigate/pkg/platform/sentinel"

	"erigate/internal/domain"
)

func TestStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	pan, ay := mustKey(t)
	f := New(pan, ay, false, time.Now())

	require.NoError(t, store.Create(ctx, f))

	got, err := store.Get(ctx, f.Key())
	require.NoError(t, err)
	assert.Equal(t, f.ID, got.ID)
	assert.Equal(t, StateClientPending, got.State)
}

func TestStoreCreateRejectsActiveDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	pan, ay := mustKey(t)

	require.NoError(t, store.Create(ctx, New(pan, ay, false, time.Now())))
	err := store.Create(ctx, New(pan, ay, false, time.Now()))
	assert.ErrorIs(t, err, sentinel.ErrConflict)
}

func TestStoreCreateReplacesAbandonedFiling(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	pan, ay := mustKey(t)

	first := New(pan, ay, false, time.Now())
	require.NoError(t, first.Transition(StateAbandoned, time.Now(), ""))
	require.NoError(t, store.Create(ctx, first))

	second := New(pan, ay, false, time.Now())
	require.NoError(t, store.Create(ctx, second))

	got, err := store.Get(ctx, second.Key())
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestStoreGetUnknownKey(t *testing.T) {
	store := NewInMemoryStore()
	pan, ay := mustKey(t)
	_, err := store.Get(context.Background(), domain.FilingKey{PAN: pan, AssessmentYear: ay})
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestStoreUpdateIsAtomicUnderContention(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	pan, ay := mustKey(t)
	f := New(pan, ay, false, time.Now())
	f.Draft = &ReturnDraft{FormData: map[string]any{"n": 0.0}}
	require.NoError(t, store.Create(ctx, f))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, f.Key(), func(cur *Filing) error {
				cur.Draft.FormData["n"] = cur.Draft.FormData["n"].(float64) + 1
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, f.Key())
	require.NoError(t, err)
	assert.Equal(t, 50.0, got.Draft.FormData["n"], "no update may be lost")
}

func TestStoreUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	pan, ay := mustKey(t)
	require.NoError(t, store.Create(ctx, New(pan, ay, false, time.Now())))

	boom := errors.New("boom")
	_, err := store.Update(ctx, domain.FilingKey{PAN: pan, AssessmentYear: ay}, func(cur *Filing) error {
		cur.State = StateSubmitted
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.Get(ctx, domain.FilingKey{PAN: pan, AssessmentYear: ay})
	require.NoError(t, err)
	assert.Equal(t, StateClientPending, got.State, "failed update must leave stored state untouched")
}

func TestStoreReturnedFilingIsDetached(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	pan, ay := mustKey(t)
	require.NoError(t, store.Create(ctx, New(pan, ay, false, time.Now())))

	got, err := store.Get(ctx, domain.FilingKey{PAN: pan, AssessmentYear: ay})
	require.NoError(t, err)
	got.State = StateSubmitted

	again, err := store.Get(ctx, domain.FilingKey{PAN: pan, AssessmentYear: ay})
	require.NoError(t, err)
	assert.Equal(t, StateClientPending, again.State)
}

func TestStoreGetByARN(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	pan, ay := mustKey(t)
	f := New(pan, ay, true, time.Now())
	require.NoError(t, store.Create(ctx, f))

	_, err := store.GetByARN(ctx, "ARN-1")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	_, err = store.Update(ctx, f.Key(), func(cur *Filing) error {
		cur.Record = &FilingRecord{ARN: "ARN-1", SubmittedAt: time.Now()}
		return nil
	})
	require.NoError(t, err)

	got, err := store.GetByARN(ctx, "ARN-1")
	require.NoError(t, err)
	assert.Equal(t, f.ID, got.ID)
}

func TestStoreListByPANSortedByYear(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	pan, err := domain.ParsePAN("ABCDE1234F")
	require.NoError(t, err)
	otherPAN, err := domain.ParsePAN("FGHIJ5678K")
	require.NoError(t, err)

	for _, year := range []string{"2025-26", "2023-24", "2024-25"} {
		ay, err := domain.ParseAssessmentYear(year)
		require.NoError(t, err)
		require.NoError(t, store.Create(ctx, New(pan, ay, true, time.Now())))
	}
	otherAY, err := domain.ParseAssessmentYear("2024-25")
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, New(otherPAN, otherAY, true, time.Now())))

	list, err := store.ListByPAN(ctx, pan)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, domain.AssessmentYear("2023-24"), list[0].AssessmentYear)
	assert.Equal(t, domain.AssessmentYear("2025-26"), list[2].AssessmentYear)
}

func TestOnboardingRegistry(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	pan, _ := mustKey(t)

	ok, err := store.IsOnboarded(ctx, pan)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.MarkOnboarded(ctx, pan))
	ok, err = store.IsOnboarded(ctx, pan)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.RevokeOnboarding(ctx, pan))
	ok, err = store.IsOnboarded(ctx, pan)
	require.NoError(t, err)
	assert.False(t, ok)
}
