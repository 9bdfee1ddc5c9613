package analytics

import "strings"

// alpha3To2 maps the provider's ISO 3166-1 alpha-3 codes to the alpha-2
// codes tracked keywords use.
var alpha3To2 = map[string]string{
	"arg": "AR", "aus": "AU", "aut": "AT", "bel": "BE", "bra": "BR",
	"can": "CA", "che": "CH", "chl": "CL", "chn": "CN", "col": "CO",
	"cze": "CZ", "deu": "DE", "dnk": "DK", "egy": "EG", "esp": "ES",
	"fin": "FI", "fra": "FR", "gbr": "GB", "grc": "GR", "hkg": "HK",
	"hun": "HU", "idn": "ID", "ind": "IN", "irl": "IE", "isr": "IL",
	"ita": "IT", "jpn": "JP", "kor": "KR", "mex": "MX", "mys": "MY",
	"nga": "NG", "nld": "NL", "nor": "NO", "nzl": "NZ", "pak": "PK",
	"per": "PE", "phl": "PH", "pol": "PL", "prt": "PT", "rou": "RO",
	"sau": "SA", "sgp": "SG", "swe": "SE", "tha": "TH", "tur": "TR",
	"twn": "TW", "ukr": "UA", "are": "AE", "usa": "US", "vnm": "VN",
	"zaf": "ZA",
}

// NormaliseCountry converts a provider country code to upper-case alpha-2
// where known. Unknown codes are upper-cased unchanged.
func NormaliseCountry(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if a2, ok := alpha3To2[code]; ok {
		return a2
	}
	return strings.ToUpper(code)
}
