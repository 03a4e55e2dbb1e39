package density

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-wildlife/pugmark/internal/cache"
	"github.com/opensource-wildlife/pugmark/internal/domain"
	"github.com/opensource-wildlife/pugmark/internal/repository"
)

func TestDensityService(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "density-test-*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	require.NoError(t, err)
	defer repo.Close()

	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	svc := NewService(repo, lruCache, time.Hour)

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("EmptyDatabase", func(t *testing.T) {
		count, err := svc.RecentCount(ctx, tenantID, "Koppal")
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("WithIncidents", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			inc := &domain.Incident{
				ID:         fmt.Sprintf("inc-%d", i),
				Species:    domain.SpeciesSlothBear,
				Lat:        15.35,
				Lon:        76.15,
				District:   "Koppal",
				Covariates: domain.Covariates{},
				CreatedAt:  time.Now().UTC(),
			}
			require.NoError(t, repo.SaveIncident(ctx, tenantID, inc))
		}

		count, err := svc.RecentCount(ctx, tenantID, "KOPPAL")
		require.NoError(t, err)
		assert.Equal(t, int64(4), count)

		other, err := svc.RecentCount(ctx, "tenant-002", "Koppal")
		require.NoError(t, err)
		assert.Zero(t, other, "counts must be tenant isolated")
	})

	t.Run("WindowExcludesOld", func(t *testing.T) {
		future := clockwork.NewFakeClockAt(time.Now().Add(3 * time.Hour))
		late := NewService(repo, lruCache, time.Hour).WithClock(future)

		count, err := late.RecentCount(ctx, tenantID, "Koppal")
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("RequiresDistrict", func(t *testing.T) {
		_, err := svc.RecentCount(ctx, tenantID, " ")
		assert.Error(t, err)
	})

	t.Run("Observe", func(t *testing.T) {
		inc := &domain.Incident{District: "Bijnor"}
		n1, err := svc.Observe(ctx, tenantID, inc)
		require.NoError(t, err)
		n2, _ := svc.Observe(ctx, tenantID, inc)
		assert.Equal(t, int64(1), n1)
		assert.Equal(t, int64(2), n2)

		n, err := svc.Observe(ctx, tenantID, &domain.Incident{})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Getter", func(t *testing.T) {
		getter := svc.Getter()
		count, err := getter(ctx, tenantID, "Koppal")
		require.NoError(t, err)
		assert.Equal(t, int64(4), count)
	})
}
