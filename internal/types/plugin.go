package types

import (
	"time"

	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/samber/lo"
)

const (
	// PluginPropertyDryRunCurrentDate is added to the plugin properties of a dry run
	PluginPropertyDryRunCurrentDate = "DRY_RUN_CUR_DATE"
	// PluginPropertyDryRunTargetDate is added to the plugin properties of a dry run
	PluginPropertyDryRunTargetDate = "DRY_RUN_TARGET_DATE"
)

// PluginProperty is an opaque key/value handed to every plugin call of a run
type PluginProperty struct {
	Key         string `json:"key" validate:"required"`
	Value       string `json:"value"`
	IsUpdatable bool   `json:"is_updatable"`
}

// PluginProperties is an ordered property set
type PluginProperties []PluginProperty

// Get returns the first property with the given key
func (p PluginProperties) Get(key string) (PluginProperty, bool) {
	return lo.Find(p, func(prop PluginProperty) bool {
		return prop.Key == key
	})
}

// Clone returns a copy so a run can never mutate the caller's slice
func (p PluginProperties) Clone() PluginProperties {
	if p == nil {
		return PluginProperties{}
	}
	out := make(PluginProperties, len(p))
	copy(out, p)
	return out
}

// WithDryRunMarkers returns a copy of the properties carrying the dry-run dates
func (p PluginProperties) WithDryRunMarkers(currentDate, targetDate time.Time) PluginProperties {
	out := p.Clone()
	out = append(out,
		PluginProperty{Key: PluginPropertyDryRunCurrentDate, Value: FormatDate(currentDate)},
		PluginProperty{Key: PluginPropertyDryRunTargetDate, Value: FormatDate(targetDate)},
	)
	return out
}

// DryRunMode selects what a dry run previews
type DryRunMode string

const (
	// DryRunModeTargetDate previews the invoice for an explicit target date
	DryRunModeTargetDate DryRunMode = "TARGET_DATE"
	// DryRunModeUpcomingInvoice previews the next scheduled invoice
	DryRunModeUpcomingInvoice DryRunMode = "UPCOMING_INVOICE"
)

func (m DryRunMode) Validate() error {
	allowed := []DryRunMode{DryRunModeTargetDate, DryRunModeUpcomingInvoice}
	if !lo.Contains(allowed, m) {
		return ierr.NewError("invalid dry run mode").
			WithHint("Please provide a valid dry run mode").
			WithReportableDetails(map[string]any{
				"allowed": allowed,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// DryRunArguments configures a preview run
type DryRunArguments struct {
	Mode DryRunMode `json:"mode"`
	// CurrentDate overrides the clock for the preview, zero means now
	CurrentDate time.Time `json:"current_date,omitempty"`
}
