package phylo

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chanzuckerberg/czgenepi-sub000/genepi/schema"
)

func setupLocationDb(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&schema.Location{}))
	return db
}

func countryLocation(t *testing.T, db *gorm.DB, country string, lat, lon float64) schema.Location {
	location := schema.Location{
		Id: uuid.New(), Region: "Test Region", Country: country,
		Latitude: &lat, Longitude: &lon,
	}
	require.NoError(t, db.Create(&location).Error)
	return location
}

func TestHaversineKm(t *testing.T) {
	// One degree of longitude along the equator.
	assert.InDelta(t, 111.19, haversineKm(0, 0, 0, 1), 0.1)

	// Antipodal points are half the circumference apart.
	assert.InDelta(t, 20015.0, haversineKm(0, 0, 0, 180), 1.0)

	assert.Zero(t, haversineKm(45, 45, 45, 45))
}

func TestNearestCountriesOrdering(t *testing.T) {
	db := setupLocationDb(t)

	ref := countryLocation(t, db, "Origin", 0, 0)
	countryLocation(t, db, "Far", 0, 30)
	countryLocation(t, db, "Near", 0, 5)
	countryLocation(t, db, "Middle", 0, 15)

	// Same coordinates as Middle; the tie breaks on country name.
	countryLocation(t, db, "Aiddle", 0, 15)

	// Excluded rows: the reference country itself, rows without
	// coordinates, and rows below country level.
	countryLocation(t, db, "Origin", 10, 10)
	require.NoError(t, db.Create(&schema.Location{
		Id: uuid.New(), Region: "Test Region", Country: "Nowhere",
	}).Error)
	divLat, divLon := 0.1, 0.1
	require.NoError(t, db.Create(&schema.Location{
		Id: uuid.New(), Region: "Test Region", Country: "Divided", Division: "North",
		Latitude: &divLat, Longitude: &divLon,
	}).Error)

	nearest, err := NearestCountries(db, ref, maxNeighborCountries)
	require.NoError(t, err)

	names := make([]string, 0, len(nearest))
	for _, location := range nearest {
		names = append(names, location.Country)
	}
	assert.Equal(t, []string{"Near", "Aiddle", "Middle", "Far"}, names)
}

func TestNearestCountriesLimit(t *testing.T) {
	db := setupLocationDb(t)

	ref := countryLocation(t, db, "Origin", 0, 0)
	for i := 0; i < maxNeighborCountries+5; i++ {
		countryLocation(t, db, fmt.Sprintf("Country-%02d", i), 0, float64(i+1))
	}

	nearest, err := NearestCountries(db, ref, maxNeighborCountries)
	require.NoError(t, err)
	assert.Len(t, nearest, maxNeighborCountries)
}

func TestNearestCountriesWithoutCoordinates(t *testing.T) {
	db := setupLocationDb(t)

	countryLocation(t, db, "Somewhere", 0, 0)

	ref := schema.Location{Id: uuid.New(), Region: "Test Region", Country: "Nowhere"}
	nearest, err := NearestCountries(db, ref, maxNeighborCountries)
	require.NoError(t, err)
	assert.Nil(t, nearest)
}

func TestApplyCountryColoringReplacesExistingScale(t *testing.T) {
	db := setupLocationDb(t)

	ref := countryLocation(t, db, "Origin", 0, 0)
	countryLocation(t, db, "Neighbor", 0, 5)

	doc := &TreeDocument{
		Tree: &TreeNode{Name: "root"},
		Meta: map[string]interface{}{
			"colorings": []interface{}{
				map[string]interface{}{"key": "clade", "title": "Clade"},
				map[string]interface{}{
					"key": "country", "title": "Country", "type": "categorical",
					"scale": []interface{}{[]interface{}{"Stale", "#000000"}},
				},
			},
		},
	}

	require.NoError(t, ApplyCountryColoring(db, doc, &ref))

	colorings := doc.Meta["colorings"].([]interface{})
	require.Len(t, colorings, 2)

	// Unrelated colorings are untouched.
	assert.Equal(t, "clade", colorings[0].(map[string]interface{})["key"])

	country := colorings[1].(map[string]interface{})
	scale := country["scale"].([]interface{})
	require.Len(t, scale, 2)
	assert.Equal(t, []interface{}{"Origin", countryColorPalette[0]}, scale[0])
	assert.Equal(t, []interface{}{"Neighbor", countryColorPalette[1]}, scale[1])
}

func TestApplyCountryColoringAppendsWhenMissing(t *testing.T) {
	db := setupLocationDb(t)

	ref := countryLocation(t, db, "Origin", 0, 0)

	doc := &TreeDocument{Tree: &TreeNode{Name: "root"}}

	require.NoError(t, ApplyCountryColoring(db, doc, &ref))

	colorings := doc.Meta["colorings"].([]interface{})
	require.Len(t, colorings, 1)

	country := colorings[0].(map[string]interface{})
	assert.Equal(t, "country", country["key"])
	assert.Equal(t, "categorical", country["type"])

	scale := country["scale"].([]interface{})
	require.Len(t, scale, 1)
	assert.Equal(t, []interface{}{"Origin", countryColorPalette[0]}, scale[0])
}

func TestApplyCountryColoringSkipsWithoutReference(t *testing.T) {
	db := setupLocationDb(t)

	countryLocation(t, db, "Somewhere", 0, 0)

	doc := &TreeDocument{Tree: &TreeNode{Name: "root"}}

	require.NoError(t, ApplyCountryColoring(db, doc, nil))
	assert.Nil(t, doc.Meta)

	ref := schema.Location{Id: uuid.New(), Region: "Test Region", Country: "Nowhere"}
	require.NoError(t, ApplyCountryColoring(db, doc, &ref))
	assert.Nil(t, doc.Meta)
}
