// Package retention arbitrates between a record's user-supplied expiration
// and the deployment-wide data retention period.
package retention

import (
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/crdtsign/internal/common"
	"github.com/dmitrijs2005/crdtsign/internal/filex"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const day = 24 * time.Hour

// Policy is the data retention configuration. PeriodDays == 0 disables the
// policy.
type Policy struct {
	PeriodDays int `yaml:"data_retention_period"`
}

// Result is the outcome of evaluating one record.
type Result struct {
	// Effective is the expiration that applies, nil when none does.
	Effective *time.Time
	// Overridden is true when the policy replaced the user's choice.
	Overridden bool
	// Expired is true when now is past Effective.
	Expired bool
}

// Evaluate computes the effective expiration of a record signed at signedOn
// with an optional user expiration.
//
// With the policy disabled the user expiration stands. Otherwise the policy
// date signedOn+PeriodDays wins whenever the user gave none or a later one.
func (p Policy) Evaluate(signedOn time.Time, userExpiration *time.Time, now time.Time) Result {
	var r Result
	switch {
	case p.PeriodDays == 0:
		r.Effective = userExpiration
	default:
		limit := signedOn.Add(time.Duration(p.PeriodDays) * day)
		if userExpiration == nil || userExpiration.After(limit) {
			r.Effective = &limit
			r.Overridden = true
		} else {
			r.Effective = userExpiration
		}
	}
	if r.Effective != nil {
		r.Expired = now.After(*r.Effective)
	}
	return r
}

// Validate rejects negative periods.
func (p Policy) Validate() error {
	if p.PeriodDays < 0 {
		return fmt.Errorf("%w: data_retention_period must be >= 0, got %d", common.ErrInvalidArgument, p.PeriodDays)
	}
	return nil
}

// LoadPolicy reads a YAML policy file. A missing file yields the disabled
// policy and found=false.
func LoadPolicy(path string) (p Policy, found bool, err error) {
	b, err := filex.ReadFile(path)
	if err != nil {
		return Policy{}, false, fmt.Errorf("read retention policy: %w", err)
	}
	if b == nil {
		return Policy{}, false, nil
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Policy{}, true, fmt.Errorf("%w: retention policy: %v", common.ErrInvalidArgument, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, true, err
	}
	return p, true, nil
}

// SavePolicy writes p as YAML.
func SavePolicy(path string, p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	b, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return filex.WriteFile(path, b, os.FileMode(0o644))
}

// Humanize renders the distance from now to t, e.g. "3 days from now" or
// "2 weeks ago".
func Humanize(t, now time.Time) string {
	return humanize.RelTime(t, now, "ago", "from now")
}
