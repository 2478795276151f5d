package listing

import (
	"regexp"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
)

var (
	dailyToken   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	monthlyToken = regexp.MustCompile(`\d{4}-\d{2}`)
)

// DateRange scans keys for the first date token of the frequency's
// granularity and returns the min/max. ok is false when no key has a token.
func DateRange(frequency string, keys []string) (catalog.DateRange, bool) {
	pattern := monthlyToken
	if frequency == catalog.FrequencyDaily {
		pattern = dailyToken
	}
	var r catalog.DateRange
	found := false
	for _, key := range keys {
		token := pattern.FindString(key)
		if token == "" {
			continue
		}
		if !found || token < r.From {
			r.From = token
		}
		if !found || token > r.To {
			r.To = token
		}
		found = true
	}
	return r, found
}
