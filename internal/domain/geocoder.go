package domain

import (
	"context"
	"errors"
)

// ErrLocationNotFound means no geocoding level resolved the address.
var ErrLocationNotFound = errors.New("location not found")

// Address is the administrative hierarchy of an incident location.
type Address struct {
	Village  string `json:"village,omitempty"`
	District string `json:"district,omitempty"`
	State    string `json:"state,omitempty"`
}

// GeoPoint is a resolved coordinate pair.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	// Level is the address level that matched: village, district, state or backup.
	Level string `json:"level"`
}

// Geocoder resolves an address to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, addr Address) (GeoPoint, error)
}

// FeatureProvider supplies environmental covariates for a location.
// A provider may return a subset of AllCovariates; features.Chain fills the
// remainder from later providers.
type FeatureProvider interface {
	Covariates(ctx context.Context, inc *Incident) (Covariates, error)
	Name() string
}

// Exporter ships scored assessments to an external sink.
type Exporter interface {
	Export(ctx context.Context, batchID string, assessments []*Assessment) error
	Close() error
}
