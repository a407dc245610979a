// ABOUTME: Shared behavioural checks every Store backend must pass
// ABOUTME: Covers get/put round trips, NotFound, overwrite and filtered listing

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khiwniti/pinn-enterprise-platform/internal/workflow"
)

func makeRecord(domain workflow.Domain, created time.Time) *workflow.Record {
	return workflow.New(uuid.NewString(), workflow.Spec{Name: "sim", Domain: domain}, created)
}

func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	t.Run("GetUnknownIsNotFound", func(t *testing.T) {
		rec, err := s.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Nil(t, rec)
	})

	t.Run("PutThenGet", func(t *testing.T) {
		rec := makeRecord(workflow.DomainHeatTransfer, base)
		next, err := workflow.Advance(rec, workflow.StepAnalysis, 12, &workflow.Metrics{Accuracy: 0.4}, base.Add(time.Second))
		require.NoError(t, err)
		require.NoError(t, s.Put(ctx, next))

		got, err := s.Get(ctx, next.ID)
		require.NoError(t, err)
		assert.Equal(t, next.ID, got.ID)
		assert.Equal(t, workflow.StatusProcessing, got.Status)
		assert.Equal(t, workflow.StepAnalysis, got.Step)
		assert.Equal(t, 12.0, got.Progress)
		assert.Equal(t, next.Version, got.Version)
		require.NotNil(t, got.Metrics)
		assert.Equal(t, 0.4, got.Metrics.Accuracy)
		assert.True(t, next.CreatedAt.Equal(got.CreatedAt))
		require.Len(t, got.Steps, 1)
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		rec := makeRecord(workflow.DomainFluidDynamics, base)
		require.NoError(t, s.Put(ctx, rec))

		failed, err := workflow.Fail(rec, "mesh generation failed", base.Add(time.Minute))
		require.NoError(t, err)
		require.NoError(t, s.Put(ctx, failed))

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusFailed, got.Status)
		assert.Equal(t, "mesh generation failed", got.ErrorMessage)
		assert.Equal(t, failed.Version, got.Version)
	})

	t.Run("ListFiltersAndPages", func(t *testing.T) {
		domain := workflow.DomainElectromagnetics
		var ids []string
		for i := range 5 {
			rec := makeRecord(domain, base.Add(time.Duration(i+10)*time.Hour))
			if i%2 == 0 {
				var err error
				rec, err = workflow.Fail(rec, "stopped", rec.CreatedAt)
				require.NoError(t, err)
			}
			require.NoError(t, s.Put(ctx, rec))
			ids = append(ids, rec.ID)
		}

		all, total, err := s.List(ctx, ListFilter{Domain: domain})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, all, 5)
		assert.Equal(t, ids[4], all[0].ID, "newest first")

		failed, total, err := s.List(ctx, ListFilter{Domain: domain, Status: workflow.StatusFailed})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, failed, 3)

		page, total, err := s.List(ctx, ListFilter{Domain: domain, Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page, 2)
		assert.Equal(t, ids[2], page[0].ID)
		assert.Equal(t, ids[1], page[1].ID)

		empty, _, err := s.List(ctx, ListFilter{Domain: domain, Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})
}
