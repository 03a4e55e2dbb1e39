package geocode

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/opensource-wildlife/pugmark/internal/domain"
)

// IndiaCentre is the geographic centre of India.
var IndiaCentre = domain.GeoPoint{Lat: 20.59, Lon: 78.96, Level: LevelBackup}

// defaultDistricts are district centres for places that recur in conflict
// reports. Keys are lower-case.
var defaultDistricts = map[string][2]float64{
	// Karnataka
	"koppal":     {15.35, 76.15},
	"mysuru":     {12.2958, 76.6394},
	"mysore":     {12.2958, 76.6394},
	"ballari":    {15.13, 76.92},
	"belagavi":   {15.84, 74.49},
	"shivamogga": {13.92, 75.56},
	"kodagu":     {12.42, 75.73},
	"mandya":     {12.52, 76.89},
	"saragur":    {11.97, 76.43},
	// Madhya Pradesh
	"balaghat":  {21.81, 80.18},
	"singrauli": {24.19, 82.66},
	"seoni":     {22.08, 79.54},
	// Gujarat
	"chhota udepur": {22.30, 74.01},
	"banaskantha":   {24.30, 72.20},
	// Odisha
	"dhenkanal": {20.64, 85.59},
	"angul":     {20.83, 85.15},
	"jajpur":    {20.85, 86.33},
	// Chhattisgarh
	"korba":  {22.35, 82.68},
	"kanker": {20.27, 81.49},
	// Tamil Nadu
	"coimbatore": {11.01, 76.95},
	"tirupattur": {12.49, 78.57},
	// Andhra Pradesh
	"srikakulam":   {18.30, 83.89},
	"vizianagaram": {18.10, 83.39},
	"prakasam":     {15.75, 80.00},
	// Uttar Pradesh
	"bijnor":          {29.3724, 78.1368},
	"nagina dehat":    {29.4444, 78.4346},
	"bahraich":        {27.5705, 81.5977},
	"pilibhit":        {28.6430, 79.8045},
	"kheri":           {27.95, 80.77},
	"lakhimpur kheri": {27.95, 80.77},
	"dharmapur":       {27.56, 81.58},
	// Uttarakhand
	"nainital":  {29.38, 79.46},
	"bageshwar": {29.84, 79.77},
	// West Bengal
	"jalpaiguri": {26.5167, 88.7177},
	// Jammu and Kashmir
	"reasi":     {33.08, 74.83},
	"sujan pur": {32.39, 75.87},
	// Maharashtra
	"nashik":          {19.9975, 73.7898},
	"chandrapur":      {19.9615, 79.2961},
	"chimur":          {20.48, 79.35},
	"akapur":          {19.86, 79.31},
	"pune":            {18.52, 73.85},
	"mumbai suburban": {19.07, 72.87},
	// Assam
	"guwahati": {26.14, 91.73},
}

// DistrictTable is an offline lookup of district centres. Names match
// exactly after normalisation, or by edit distance when no exact entry
// exists.
type DistrictTable struct {
	entries map[string]domain.GeoPoint
	// maxDistance is the largest edit distance accepted for a fuzzy match.
	maxDistance int
}

// NewDistrictTable returns the built-in table.
func NewDistrictTable() *DistrictTable {
	t := &DistrictTable{entries: make(map[string]domain.GeoPoint, len(defaultDistricts)), maxDistance: 2}
	for name, c := range defaultDistricts {
		t.entries[name] = domain.GeoPoint{Lat: c[0], Lon: c[1], Level: LevelBackup}
	}
	return t
}

// Add registers or replaces a district centre.
func (t *DistrictTable) Add(name string, lat, lon float64) {
	t.entries[normalizeDistrict(name)] = domain.GeoPoint{Lat: lat, Lon: lon, Level: LevelBackup}
}

// Len returns the number of districts.
func (t *DistrictTable) Len() int { return len(t.entries) }

// Lookup finds the centre of a district. Short names (four letters or
// fewer) must match exactly.
func (t *DistrictTable) Lookup(name string) (domain.GeoPoint, bool) {
	key := normalizeDistrict(name)
	if key == "" {
		return domain.GeoPoint{}, false
	}
	if pt, ok := t.entries[key]; ok {
		return pt, true
	}
	if len(key) <= 4 {
		return domain.GeoPoint{}, false
	}

	best, bestDist := "", t.maxDistance+1
	for _, candidate := range t.sortedNames() {
		if d := levenshtein.ComputeDistance(key, candidate); d < bestDist {
			best, bestDist = candidate, d
		}
	}
	if best == "" {
		return domain.GeoPoint{}, false
	}
	return t.entries[best], true
}

// Geocode implements domain.Geocoder using only the district.
func (t *DistrictTable) Geocode(ctx context.Context, addr domain.Address) (domain.GeoPoint, error) {
	if err := ctx.Err(); err != nil {
		return domain.GeoPoint{}, err
	}
	if pt, ok := t.Lookup(addr.District); ok {
		return pt, nil
	}
	return domain.GeoPoint{}, fmt.Errorf("%w: district %q", domain.ErrLocationNotFound, addr.District)
}

// sortedNames keeps fuzzy matching deterministic when two names tie.
func (t *DistrictTable) sortedNames() []string {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeDistrict(name string) string {
	name = strings.ToLower(strings.Join(strings.Fields(name), " "))
	if name == "nan" {
		return ""
	}
	name = strings.TrimSuffix(name, " district")
	return name
}
