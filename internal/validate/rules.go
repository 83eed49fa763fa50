package validate

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Rules holds the validator thresholds. The defaults encode the screening
// team's expectations for Swedish statutory reports; a YAML file can tune
// them without a recompile.
type Rules struct {
	// MinYear is the oldest acceptable report year; older is an error.
	MinYear int `yaml:"min_year"`
	// WarnBeforeYear flags reports older than this as suspicious.
	WarnBeforeYear int `yaml:"warn_before_year"`
	// MaxYearsAhead allows reports dated up to this many years past now.
	MaxYearsAhead int `yaml:"max_years_ahead"`
	// MaxAmountKSEK is the plausibility ceiling for any single line item.
	MaxAmountKSEK int64 `yaml:"max_amount_ksek"`
	// MaxProfitMargin is the DR/SDI ratio above which a record needs a
	// second look.
	MaxProfitMargin float64 `yaml:"max_profit_margin"`
	// Currency is the only expected report currency.
	Currency string `yaml:"currency"`
}

// DefaultRules returns the built-in thresholds.
func DefaultRules() Rules {
	return Rules{
		MinYear:         2000,
		WarnBeforeYear:  2010,
		MaxYearsAhead:   1,
		MaxAmountKSEK:   1_000_000_000,
		MaxProfitMargin: 0.5,
		Currency:        "SEK",
	}
}

// LoadRules reads a rules file, filling anything unset from the defaults.
// An empty path returns the defaults unchanged.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return rules, eris.Wrapf(err, "validate: read rules %s", path)
	}

	var wrapper struct {
		Validation Rules `yaml:"validation"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return rules, eris.Wrap(err, "validate: parse rules")
	}

	loaded := wrapper.Validation
	if loaded.MinYear > 0 {
		rules.MinYear = loaded.MinYear
	}
	if loaded.WarnBeforeYear > 0 {
		rules.WarnBeforeYear = loaded.WarnBeforeYear
	}
	if loaded.MaxYearsAhead > 0 {
		rules.MaxYearsAhead = loaded.MaxYearsAhead
	}
	if loaded.MaxAmountKSEK > 0 {
		rules.MaxAmountKSEK = loaded.MaxAmountKSEK
	}
	if loaded.MaxProfitMargin > 0 {
		rules.MaxProfitMargin = loaded.MaxProfitMargin
	}
	if loaded.Currency != "" {
		rules.Currency = loaded.Currency
	}
	return rules, nil
}
