package geocode

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/opensource-wildlife/pugmark/internal/domain"
)

// Jitter spreads points that share a district centre so they do not stack
// on a map.
type Jitter struct {
	mu   sync.Mutex
	rng  *rand.Rand
	span float64
}

// NewJitter offsets points by up to span degrees on each axis.
func NewJitter(seed int64, span float64) *Jitter {
	return &Jitter{rng: rand.New(rand.NewSource(seed)), span: span}
}

// Apply returns pt moved by a random offset in [-span, span).
func (j *Jitter) Apply(pt domain.GeoPoint) domain.GeoPoint {
	if j == nil || j.span == 0 {
		return pt
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	pt.Lat += (j.rng.Float64()*2 - 1) * j.span
	pt.Lon += (j.rng.Float64()*2 - 1) * j.span
	return pt
}

// Fallback asks the primary geocoder and, when it cannot place the address,
// looks the district up in an offline table. Backup hits are jittered.
type Fallback struct {
	primary domain.Geocoder
	backup  *DistrictTable
	jitter  *Jitter
	logger  *slog.Logger
}

// NewFallback creates a fallback geocoder. primary may be nil for
// offline-only operation; jitter may be nil.
func NewFallback(primary domain.Geocoder, backup *DistrictTable, jitter *Jitter, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{primary: primary, backup: backup, jitter: jitter, logger: logger}
}

// Geocode implements domain.Geocoder.
func (f *Fallback) Geocode(ctx context.Context, addr domain.Address) (domain.GeoPoint, error) {
	if f.primary != nil {
		pt, err := f.primary.Geocode(ctx, addr)
		if err == nil {
			return pt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.GeoPoint{}, ctxErr
		}
		if !errors.Is(err, domain.ErrLocationNotFound) {
			f.logger.Warn("primary geocoder failed", "district", addr.District, "error", err)
		}
	}

	pt, err := f.backup.Geocode(ctx, addr)
	if err != nil {
		return domain.GeoPoint{}, err
	}
	return f.jitter.Apply(pt), nil
}
