package ads

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCountry means a country has no geo target constant.
var ErrUnknownCountry = errors.New("unknown country")

// geoTargets maps alpha-2 country codes to the provider's country criterion IDs.
var geoTargets = map[string]int64{
	"AE": 2784, "AR": 2032, "AT": 2040, "AU": 2036, "BE": 2056,
	"BR": 2076, "CA": 2124, "CH": 2756, "CL": 2152, "CN": 2156,
	"CO": 2170, "CZ": 2203, "DE": 2276, "DK": 2208, "EG": 2818,
	"ES": 2724, "FI": 2246, "FR": 2250, "GB": 2826, "GR": 2300,
	"HK": 2344, "HU": 2348, "ID": 2360, "IE": 2372, "IL": 2376,
	"IN": 2356, "IT": 2380, "JP": 2392, "KR": 2410, "MX": 2484,
	"MY": 2458, "NG": 2566, "NL": 2528, "NO": 2578, "NZ": 2554,
	"PE": 2604, "PH": 2608, "PK": 2586, "PL": 2616, "PT": 2620,
	"RO": 2642, "SA": 2682, "SE": 2752, "SG": 2702, "TH": 2764,
	"TR": 2792, "TW": 2158, "UA": 2804, "US": 2840, "VN": 2704,
	"ZA": 2710,
}

// GeoTarget returns the geo target constant resource name for country.
func GeoTarget(country string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(country))
	if code == "UK" {
		code = "GB"
	}
	id, ok := geoTargets[code]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCountry, country)
	}
	return fmt.Sprintf("geoTargetConstants/%d", id), nil
}
