// Package geocode resolves incident addresses to coordinates.
//
// A lookup tries the most specific address first (village, district, state)
// and widens to the district and then the state. When the online service
// cannot place an address, an offline table of district centres is used.
package geocode

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Address levels, most specific first.
const (
	LevelVillage  = "village"
	LevelDistrict = "district"
	LevelState    = "state"
	LevelBackup   = "backup"
)

// stateAliases maps lower-cased spellings seen in field reports to the
// official state name.
var stateAliases = map[string]string{
	"maharastra":      "Maharashtra",
	"maharashtra":     "Maharashtra",
	"up":              "Uttar Pradesh",
	"u.p.":            "Uttar Pradesh",
	"uttar pradesh":   "Uttar Pradesh",
	"west bengal":     "West Bengal",
	"wb":              "West Bengal",
	"mp":              "Madhya Pradesh",
	"m.p.":            "Madhya Pradesh",
	"madhya pradesh":  "Madhya Pradesh",
	"andhra pradesh":  "Andhra Pradesh",
	"ap":              "Andhra Pradesh",
	"gujarat":         "Gujarat",
	"karnataka":       "Karnataka",
	"tamilnadu":       "Tamil Nadu",
	"tamil nadu":      "Tamil Nadu",
	"j&k":             "Jammu and Kashmir",
	"jammu & kashmir": "Jammu and Kashmir",
}

// CanonicalState normalises a state name.
func CanonicalState(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	if s, ok := stateAliases[name]; ok {
		return s
	}
	return title(name)
}

// CleanPlaceName trims, collapses whitespace and title-cases a place name.
// Spreadsheet blanks such as "nan" become empty.
func CleanPlaceName(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	if strings.EqualFold(name, "nan") {
		return ""
	}
	return title(strings.ToLower(name))
}

// Query is one address string to try, with the level it represents.
type Query struct {
	Level string
	Text  string
}

// AddressLevels builds the ordered queries for addr, most specific first.
// Each query ends in ", India".
func AddressLevels(village, district, state string) []Query {
	village = CleanPlaceName(village)
	district = CleanPlaceName(district)
	state = CanonicalState(state)

	var levels []Query
	if village != "" && district != "" && state != "" {
		levels = append(levels, Query{Level: LevelVillage, Text: village + ", " + district + ", " + state + ", India"})
	}
	if district != "" && state != "" {
		levels = append(levels, Query{Level: LevelDistrict, Text: district + ", " + state + ", India"})
	}
	if state != "" {
		levels = append(levels, Query{Level: LevelState, Text: state + ", India"})
	}
	return levels
}

// title upper-cases the first letter of each word. A Caser holds state, so
// one is built per call.
func title(s string) string {
	return cases.Title(language.English).String(s)
}
