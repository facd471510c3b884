package plugin

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/petermetz/killbill/internal/config"
	"github.com/petermetz/killbill/internal/domain/invoice"
	pluginDomain "github.com/petermetz/killbill/internal/domain/plugin"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/types"
	"github.com/samber/lo"
)

// Gateway is the single entry point of the run coordinator into the plugins
type Gateway struct {
	registry *Registry
	timeout  time.Duration
	logger   *logger.Logger
}

// NewGateway creates a gateway over the registry
func NewGateway(cfg *config.Configuration, registry *Registry, logger *logger.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		timeout:  cfg.Plugin.CallTimeout,
		logger:   logger,
	}
}

// RunOptions describes the run a session is opened for
type RunOptions struct {
	Properties types.PluginProperties
	IsDryRun   bool
	// CurrentDate and TargetDate are reported to dry-run plugins
	CurrentDate time.Time
	TargetDate  time.Time
}

// Session carries the plugin set and the properties of one run. Every call of
// the run sees the same, immutable property set.
type Session struct {
	plugin   pluginDomain.InvoicePlugin
	props    types.PluginProperties
	isDryRun bool
	timeout  time.Duration
	logger   *logger.Logger
}

// Begin resolves the registered plugins for a new run
func (g *Gateway) Begin(opts RunOptions) *Session {
	props := opts.Properties.Clone()
	if opts.IsDryRun {
		props = opts.Properties.WithDryRunMarkers(opts.CurrentDate, opts.TargetDate)
	}
	return &Session{
		plugin:   g.registry.Resolve(),
		props:    props,
		isDryRun: opts.IsDryRun,
		timeout:  g.timeout,
		logger:   g.logger,
	}
}

// Properties returns a copy of the properties handed to the plugins
func (s *Session) Properties() types.PluginProperties {
	return s.props.Clone()
}

func (s *Session) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// PriorCall asks the plugins whether the run may proceed
func (s *Session) PriorCall(ctx context.Context, ictx *pluginDomain.InvoiceContext) (*pluginDomain.PriorCallResult, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	res, err := s.plugin.PriorCall(callCtx, ictx, s.Properties())
	if err != nil {
		return nil, fatal(err, "priorCall")
	}
	if res == nil {
		return &pluginDomain.PriorCallResult{}, nil
	}
	return res, nil
}

// AdditionalItems collects the plugin items for the draft and validates
// them. known reports whether an id belongs to an item of the draft or of a
// prior invoice of the account.
func (s *Session) AdditionalItems(ctx context.Context, draft *invoice.Invoice, known func(id string) bool) ([]*invoice.InvoiceItem, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	items, err := s.plugin.GetAdditionalItems(callCtx, draft.Clone(), s.isDryRun, s.Properties())
	if err != nil {
		switch {
		case ierr.IsPluginRetryable(err):
			return nil, err
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return nil, ierr.WithError(err).
				WithMessage("getAdditionalItems timed out").
				WithHintf("Invoice plugin did not answer within %s", s.timeout).
				Mark(ierr.ErrPluginRetryable)
		default:
			return nil, fatal(err, "getAdditionalItems")
		}
	}

	out := make([]*invoice.InvoiceItem, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		item = item.Clone()
		if err := validateItem(draft, item, known); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// Grouping asks the plugins how to split the invoice, nil means one invoice
func (s *Session) Grouping(ctx context.Context, inv *invoice.Invoice) (*pluginDomain.GroupingResult, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	res, err := s.plugin.GetInvoiceGrouping(callCtx, inv.Clone(), s.isDryRun, s.Properties())
	if err != nil {
		return nil, fatal(err, "getInvoiceGrouping")
	}
	return res, nil
}

// OnSuccess notifies the plugins of an emitted invoice. Plugin errors are
// logged only.
func (s *Session) OnSuccess(ctx context.Context, ictx *pluginDomain.InvoiceContext) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	if err := s.plugin.OnSuccessCall(callCtx, ictx, s.Properties()); err != nil {
		s.logger.Warnw("invoice plugin onSuccessCall failed",
			"error", err,
			"account_id", ictx.AccountID,
			"invoice_id", invoiceID(ictx),
		)
	}
}

// OnFailure notifies the plugins of a failed run. Plugin errors are logged
// only.
func (s *Session) OnFailure(ctx context.Context, ictx *pluginDomain.InvoiceContext) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	if err := s.plugin.OnFailureCall(callCtx, ictx, s.Properties()); err != nil {
		s.logger.Warnw("invoice plugin onFailureCall failed",
			"error", err,
			"account_id", ictx.AccountID,
		)
	}
}

func validateItem(draft *invoice.Invoice, item *invoice.InvoiceItem, known func(string) bool) error {
	isExisting := item.ID != "" && known != nil && known(item.ID)

	if err := item.Type.Validate(); err != nil {
		return err
	}
	if !isExisting && !lo.Contains(types.PluginInsertableItemTypes, item.Type) {
		return ierr.NewErrorf("plugin may not add items of type %s", item.Type).
			WithHintf("Invoice plugins can only add %v items", types.PluginInsertableItemTypes).
			WithReportableDetails(map[string]any{
				"item_id": item.ID,
				"type":    item.Type,
			}).
			Mark(ierr.ErrValidation)
	}

	item.IDFromPlugin = item.ID != "" && !isExisting
	if item.ID == "" {
		item.ID = types.GenerateUUIDWithPrefix(types.UUID_PREFIX_INVOICE_ITEM)
	}
	item.AccountID = draft.AccountID
	if item.Currency == "" {
		item.Currency = draft.Currency
	}
	if item.Currency != draft.Currency {
		return ierr.NewErrorf("plugin item currency %s does not match invoice currency %s", item.Currency, draft.Currency).
			WithHint("Invoice plugin returned an item in another currency").
			WithReportableDetails(map[string]any{
				"item_id":  item.ID,
				"currency": item.Currency,
			}).
			Mark(ierr.ErrValidation)
	}
	if item.StartDate.IsZero() {
		item.StartDate = draft.TargetDate
	}
	return nil
}

// fatal marks a plugin error as non retryable. Only getAdditionalItems may
// ask for a retry, a retry mark on any other call is dropped.
func fatal(err error, call string) error {
	if ierr.IsPluginRetryable(err) {
		return ierr.NewErrorf("invoice plugin %s failed: %v", call, err).
			WithHint("Invoice plugins may only ask for a retry from getAdditionalItems").
			Mark(ierr.ErrPluginFailure)
	}
	if ierr.IsValidation(err) {
		return err
	}
	return ierr.WithError(err).
		WithMessagef("invoice plugin %s failed", call).
		Mark(ierr.ErrPluginFailure)
}

func invoiceID(ictx *pluginDomain.InvoiceContext) string {
	if ictx.Invoice == nil {
		return ""
	}
	return ictx.Invoice.ID
}
