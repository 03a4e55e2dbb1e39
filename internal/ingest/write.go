package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/opensource-wildlife/pugmark/internal/domain"
)

var baseHeader = []string{
	"Incident-id", "Date(dd/mm/yr)", "Animal", "Demographic", "Season",
	"village", "District", "State", "Victim outcome", "Incident details",
	"lat", "lon", "Target",
}

// Write emits records in the sheet layout Read accepts. Covariate columns
// are included when any record carries covariates.
func Write(w io.Writer, records []Record) error {
	withCov := false
	for _, r := range records {
		if len(r.Incident.Covariates) > 0 {
			withCov = true
			break
		}
	}

	header := append([]string(nil), baseHeader...)
	if withCov {
		for _, cov := range domain.AllCovariates {
			header = append(header, string(cov))
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, r := range records {
		inc := r.Incident
		date := ""
		if !inc.OccurredAt.IsZero() {
			date = inc.OccurredAt.Format("02/01/2006")
		}
		target := ""
		if r.Labeled {
			target = strconv.Itoa(r.Target)
		}
		row := []string{
			inc.ID, date, string(inc.Species), string(inc.Demographic), string(inc.Season),
			inc.Village, inc.District, inc.State, inc.VictimOutcome, inc.Details,
			formatFloat(inc.Lat), formatFloat(inc.Lon), target,
		}
		if withCov {
			for _, cov := range domain.AllCovariates {
				v, ok := inc.Covariates.Get(cov)
				if !ok {
					row = append(row, "")
					continue
				}
				row = append(row, formatFloat(v))
			}
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write %s: %w", inc.ID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
