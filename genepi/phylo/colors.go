package phylo

import (
	"math"
	"sort"

	"gorm.io/gorm"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
)

// countryColorPalette is the fixed categorical scale applied to country
// colorings: the reference country takes the first entry, its nearest
// neighbors the rest, ordered warm to cool is not a goal, stability is.
var countryColorPalette = [16]string{
	"#571EA2", "#4334BF", "#3F55CE", "#4376CD",
	"#4C91C0", "#59A4A9", "#6AB18F", "#7FB975",
	"#97BD5F", "#AFBD4F", "#C7B944", "#D9AD3D",
	"#E49838", "#E67932", "#E2562B", "#DC2F24",
}

const maxNeighborCountries = len(countryColorPalette) - 1

const earthRadiusKm = 6371.0

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// NearestCountries returns up to limit country level locations ordered by
// great circle distance from ref, nearest first. Ties are broken by country
// name so the ordering is deterministic. The reference country itself and
// rows without coordinates are excluded.
func NearestCountries(db *gorm.DB, ref schema.Location, limit int) ([]schema.Location, error) {
	if !ref.HasCoordinates() {
		return nil, nil
	}

	var countries []schema.Location
	result := db.Where("division = ? AND location = ?", "", "").Find(&countries)
	if result.Error != nil {
		return nil, schema.ErrDbAccessFailed
	}

	type ranked struct {
		location schema.Location
		distance float64
	}

	candidates := make([]ranked, 0, len(countries))
	for _, country := range countries {
		if country.Country == ref.Country || !country.HasCoordinates() {
			continue
		}
		dist := haversineKm(*ref.Latitude, *ref.Longitude, *country.Latitude, *country.Longitude)
		candidates = append(candidates, ranked{location: country, distance: dist})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].location.Country < candidates[j].location.Country
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	nearest := make([]schema.Location, 0, len(candidates))
	for _, candidate := range candidates {
		nearest = append(nearest, candidate.location)
	}
	return nearest, nil
}

// ApplyCountryColoring rewrites the document's country coloring scale so
// the reference country and its nearest neighbors get stable colors from
// the fixed palette. When the reference has no coordinates the document is
// left untouched.
func ApplyCountryColoring(db *gorm.DB, doc *TreeDocument, ref *schema.Location) error {
	if ref == nil || !ref.HasCoordinates() {
		return nil
	}

	neighbors, err := NearestCountries(db, *ref, maxNeighborCountries)
	if err != nil {
		return err
	}

	scale := make([]interface{}, 0, len(neighbors)+1)
	scale = append(scale, []interface{}{ref.Country, countryColorPalette[0]})
	for i, neighbor := range neighbors {
		scale = append(scale, []interface{}{neighbor.Country, countryColorPalette[i+1]})
	}

	setCountryScale(doc, scale)
	return nil
}

func setCountryScale(doc *TreeDocument, scale []interface{}) {
	if doc.Meta == nil {
		doc.Meta = make(map[string]interface{}, 1)
	}

	colorings, _ := doc.Meta["colorings"].([]interface{})
	for _, coloring := range colorings {
		if entry, ok := coloring.(map[string]interface{}); ok && entry["key"] == "country" {
			entry["scale"] = scale
			return
		}
	}

	doc.Meta["colorings"] = append(colorings, map[string]interface{}{
		"key":   "country",
		"title": "Country",
		"type":  "categorical",
		"scale": scale,
	})
}
