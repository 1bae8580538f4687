package domain

// Station is a row of the station dimension. ID is the natural key; every other
// field is optional and is overwritten by later inventory loads.
type Station struct {
	ID          string
	Latitude    *float64
	Longitude   *float64
	Elevation   *float64
	CountryCode *string
	Name        *string
}

// HasMetadata reports whether the station carries anything beyond its identifier.
// Stations auto-registered from measurement input have none.
func (s Station) HasMetadata() bool {
	return s.Latitude != nil || s.Longitude != nil || s.Elevation != nil ||
		s.CountryCode != nil || s.Name != nil
}
