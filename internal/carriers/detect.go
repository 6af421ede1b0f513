package carriers

import (
	"regexp"
	"strings"

	"github.com/ColisBox/ColisBox/internal/models"
)

// Specificity of a pattern rule. Rules with both an alpha prefix and a
// country suffix beat prefix-only rules, which beat pure length/digit rules.
const (
	specPrefixSuffix = 3
	specPrefix       = 2
	specLength       = 1
)

type rule struct {
	carrier     models.Carrier
	re          *regexp.Regexp
	specificity int
}

// Pattern table, most specific first within each carrier. The slice order is
// the fixed carrier priority: when two rules match with equal specificity the
// earlier carrier wins.
var rules = []rule{
	{models.CarrierUPS, regexp.MustCompile(`^1Z[A-Z0-9]{16}$`), specPrefixSuffix},
	{models.CarrierAmazon, regexp.MustCompile(`^TBA\d{12,}$`), specPrefix},
	{models.CarrierCainiao, regexp.MustCompile(`^L[RPT][A-Z0-9]{7,9}[A-Z]{2}$`), specPrefixSuffix},
	{models.CarrierCainiao, regexp.MustCompile(`^YANWEN\d+$`), specPrefix},
	{models.CarrierChronopost, regexp.MustCompile(`^[A-Z]{2}\d{9}FR$`), specPrefixSuffix},
	{models.CarrierLaPoste, regexp.MustCompile(`^[A-Z]{2}\d{9}FR$`), specPrefixSuffix},
	{models.CarrierColissimo, regexp.MustCompile(`^6[A-Z]\d{11}$`), specPrefix},
	{models.CarrierDHL, regexp.MustCompile(`^JJD\d{18}$`), specPrefix},
	{models.CarrierDHL, regexp.MustCompile(`^\d{3}-\d{8}$`), specPrefix},
	{models.CarrierChronopost, regexp.MustCompile(`^\d{13}$`), specLength},
	{models.CarrierColissimo, regexp.MustCompile(`^\d{15}$`), specLength},
	{models.CarrierDHL, regexp.MustCompile(`^\d{10,11}$`), specLength},
}

type Guess struct {
	Carrier    models.Carrier
	Confidence float64
}

var confidenceBySpec = map[int]float64{
	specPrefixSuffix: 0.9,
	specPrefix:       0.7,
	specLength:       0.4,
}

// Detect returns ranked carrier guesses for a tracking number, ordered by
// pattern specificity and then by the fixed carrier priority. The result
// always ends with an unknown sentinel.
func Detect(trackingNumber string) []Guess {
	number := models.NormalizeTrackingNumber(trackingNumber)

	var out []Guess
	seen := map[models.Carrier]struct{}{}
	for spec := specPrefixSuffix; spec >= specLength; spec-- {
		for _, r := range rules {
			if r.specificity != spec {
				continue
			}
			if _, dup := seen[r.carrier]; dup {
				continue
			}
			if r.re.MatchString(number) {
				seen[r.carrier] = struct{}{}
				out = append(out, Guess{Carrier: r.carrier, Confidence: confidenceBySpec[spec]})
			}
		}
	}

	return append(out, Guess{Carrier: models.CarrierUnknown, Confidence: 0})
}

// DetectOne returns the top-ranked carrier, unknown when nothing matches.
func DetectOne(trackingNumber string) models.Carrier {
	return Detect(trackingNumber)[0].Carrier
}

// Email sender to carrier mapping (exact address first, then domain).
var senderCarrierMap = map[string]models.Carrier{
	"noreply@chronopost.fr":           models.CarrierChronopost,
	"notification@chronopost.fr":      models.CarrierChronopost,
	"noreply@laposte.fr":              models.CarrierColissimo,
	"noreply@notif.laposte.fr":        models.CarrierColissimo,
	"noreply@dhl.com":                 models.CarrierDHL,
	"noreply@ups.com":                 models.CarrierUPS,
	"pkginfo@ups.com":                 models.CarrierUPS,
	"shipment-tracking@amazon.fr":     models.CarrierAmazon,
	"no-reply@amazon.fr":              models.CarrierAmazon,
	"shipment-tracking@amazon.com":    models.CarrierAmazon,
	"noreply@aliexpress.com":          models.CarrierCainiao,
	"transaction@notice.aliexpress.com": models.CarrierCainiao,
}

var domainCarrierMap = map[string]models.Carrier{
	"chronopost.fr":  models.CarrierChronopost,
	"laposte.fr":     models.CarrierColissimo,
	"dhl.com":        models.CarrierDHL,
	"ups.com":        models.CarrierUPS,
	"amazon.fr":      models.CarrierAmazon,
	"amazon.com":     models.CarrierAmazon,
	"aliexpress.com": models.CarrierCainiao,
	"colisprive.fr":  models.CarrierColisPrive,
}

var addrInBrackets = regexp.MustCompile(`<([^>]+)>`)

// FromEmailSender resolves a carrier from a notification sender address.
// Accepts both bare addresses and the "Name <addr>" form.
func FromEmailSender(sender string) models.Carrier {
	addr := strings.ToLower(strings.TrimSpace(sender))
	if m := addrInBrackets.FindStringSubmatch(addr); m != nil {
		addr = strings.ToLower(m[1])
	}

	if c, ok := senderCarrierMap[addr]; ok {
		return c
	}

	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return models.CarrierUnknown
	}
	domain := addr[at+1:]
	for d, c := range domainCarrierMap {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return c
		}
	}
	return models.CarrierUnknown
}
