package lookup

// cityRecord is the subset of a City / Country / Enterprise record that is
// decoded. Pointer fields distinguish "absent" from a zero value.
type cityRecord struct {
	Continent struct {
		GeoNameID uint32            `maxminddb:"geoname_id"`
		Code      string            `maxminddb:"code"`
		Names     map[string]string `maxminddb:"names"`
	} `maxminddb:"continent"`
	Country struct {
		GeoNameID         uint32            `maxminddb:"geoname_id"`
		ISOCode           string            `maxminddb:"iso_code"`
		IsInEuropeanUnion *bool             `maxminddb:"is_in_european_union"`
		Names             map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
	Subdivisions []struct {
		GeoNameID uint32            `maxminddb:"geoname_id"`
		ISOCode   string            `maxminddb:"iso_code"`
		Names     map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
	City struct {
		GeoNameID uint32            `maxminddb:"geoname_id"`
		Names     map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Location struct {
		Latitude       *float64 `maxminddb:"latitude"`
		Longitude      *float64 `maxminddb:"longitude"`
		AccuracyRadius uint16   `maxminddb:"accuracy_radius"`
		MetroCode      uint16   `maxminddb:"metro_code"`
		TimeZone       string   `maxminddb:"time_zone"`
	} `maxminddb:"location"`
	Postal struct {
		Code string `maxminddb:"code"`
	} `maxminddb:"postal"`
	Traits struct {
		IsAnonymousProxy             *bool  `maxminddb:"is_anonymous_proxy"`
		IsAnycast                    *bool  `maxminddb:"is_anycast"`
		IsSatelliteProvider          *bool  `maxminddb:"is_satellite_provider"`
		AutonomousSystemNumber       uint32 `maxminddb:"autonomous_system_number"`
		AutonomousSystemOrganization string `maxminddb:"autonomous_system_organization"`
	} `maxminddb:"traits"`
}

// asnRecord contains only the fields of a GeoLite2-ASN / GeoIP2-ASN record.
type asnRecord struct {
	Number       uint32 `maxminddb:"autonomous_system_number"`
	Organization string `maxminddb:"autonomous_system_organization"`
}

// Info is the flattened geolocation of one address. Fields absent from the
// database are omitted.
type Info struct {
	ContinentID   uint32 `json:"continent_id,omitempty"`
	ContinentCode string `json:"continent_code,omitempty"`
	ContinentName string `json:"continent_name,omitempty"`

	CountryID                uint32 `json:"country_id,omitempty"`
	CountryISOCode           string `json:"country_iso_code,omitempty"`
	CountryName              string `json:"country_name,omitempty"`
	RegisteredCountryISOCode string `json:"registered_country_iso_code,omitempty"`

	Subdivisions []Subdivision `json:"subdivisions,omitempty"`

	CityID     uint32 `json:"city_id,omitempty"`
	CityName   string `json:"city_name,omitempty"`
	MetroCode  uint16 `json:"metro_code,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	TimeZone   string `json:"timezone,omitempty"`

	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	AccuracyRadius uint16   `json:"accuracy_radius,omitempty"`

	IsInEuropeanUnion   *bool `json:"is_in_european_union,omitempty"`
	IsAnonymousProxy    *bool `json:"is_anonymous_proxy,omitempty"`
	IsAnycast           *bool `json:"is_anycast,omitempty"`
	IsSatelliteProvider *bool `json:"is_satellite_provider,omitempty"`

	AutonomousSystemNumber       uint32 `json:"autonomous_system_number,omitempty"`
	AutonomousSystemOrganization string `json:"autonomous_system_organization,omitempty"`
}

// Subdivision is one administrative level (state, region, ...).
type Subdivision struct {
	ID      uint32 `json:"id,omitempty"`
	ISOCode string `json:"iso_code,omitempty"`
	Name    string `json:"name,omitempty"`
}

func (rec *cityRecord) info(pick func(map[string]string) string) *Info {
	info := &Info{
		ContinentID:   rec.Continent.GeoNameID,
		ContinentCode: rec.Continent.Code,
		ContinentName: pick(rec.Continent.Names),

		CountryID:                rec.Country.GeoNameID,
		CountryISOCode:           rec.Country.ISOCode,
		CountryName:              pick(rec.Country.Names),
		RegisteredCountryISOCode: rec.RegisteredCountry.ISOCode,

		CityID:     rec.City.GeoNameID,
		CityName:   pick(rec.City.Names),
		MetroCode:  rec.Location.MetroCode,
		PostalCode: rec.Postal.Code,
		TimeZone:   rec.Location.TimeZone,

		Latitude:       rec.Location.Latitude,
		Longitude:      rec.Location.Longitude,
		AccuracyRadius: rec.Location.AccuracyRadius,

		IsInEuropeanUnion:   rec.Country.IsInEuropeanUnion,
		IsAnonymousProxy:    rec.Traits.IsAnonymousProxy,
		IsAnycast:           rec.Traits.IsAnycast,
		IsSatelliteProvider: rec.Traits.IsSatelliteProvider,

		AutonomousSystemNumber:       rec.Traits.AutonomousSystemNumber,
		AutonomousSystemOrganization: rec.Traits.AutonomousSystemOrganization,
	}
	for _, s := range rec.Subdivisions {
		info.Subdivisions = append(info.Subdivisions, Subdivision{
			ID:      s.GeoNameID,
			ISOCode: s.ISOCode,
			Name:    pick(s.Names),
		})
	}
	return info
}
