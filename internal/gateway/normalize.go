// internal/gateway/normalize.go
package gateway

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizePhone returns num in E.164 form. Numbers without a leading + are
// read as national numbers of defaultRegion.
func NormalizePhone(num, defaultRegion string) (string, error) {
	num = strings.TrimSpace(num)
	if num == "" {
		return "", fmt.Errorf("missing phone number")
	}

	region := ""
	if !strings.HasPrefix(num, "+") {
		if defaultRegion == "" {
			return "", fmt.Errorf("phone number must be in E.164 format with +")
		}
		region = strings.ToUpper(defaultRegion)
	}

	parsed, err := phonenumbers.Parse(num, region)
	if err != nil || !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("invalid phone number %q", num)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}
