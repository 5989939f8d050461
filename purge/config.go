// Package purge implements the retention engine: a periodic sweep deleting
// aged-out records according to per-field filtered TTL overrides plus a
// default unfiltered TTL.
package purge

import "fmt"

// Fields a filtered retention rule may target.
var validFields = map[string]bool{
	"severity":       true,
	"classification": true,
	"machine_id":     true,
}

// Config holds the retention policy. FilteredRecords maps field → value →
// retention days; classification values may carry a trailing '*' for prefix
// match. Zero days means "keep matching records forever". Records matching
// no rule fall under MaxDaysKeepUnfilteredRecords (zero disables that sweep).
type Config struct {
	MaxDaysKeepUnfilteredRecords int                       `yaml:"max_days_keep_unfiltered_records"`
	FilteredRecords              map[string]map[string]int `yaml:"filtered_records"`
}

// Validate checks field names and day values.
func (c *Config) Validate() error {
	if c.MaxDaysKeepUnfilteredRecords < 0 {
		return fmt.Errorf("purge: max_days_keep_unfiltered_records must be >= 0")
	}
	for field, rules := range c.FilteredRecords {
		if !validFields[field] {
			return fmt.Errorf("purge: unsupported filter field %q (use severity, classification or machine_id)", field)
		}
		for value, days := range rules {
			if days < 0 {
				return fmt.Errorf("purge: %s=%q: days must be >= 0", field, value)
			}
		}
	}
	return nil
}
