package remote

import (
	"context"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/petermetz/killbill/internal/config"
	"github.com/petermetz/killbill/internal/domain/invoice"
	pluginDomain "github.com/petermetz/killbill/internal/domain/plugin"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/httpclient"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	callPriorCall       = "prior-call"
	callAdditionalItems = "additional-items"
	callGrouping        = "grouping"
	callOnSuccess       = "on-success"
	callOnFailure       = "on-failure"
)

var _ pluginDomain.InvoicePlugin = (*Plugin)(nil)

// Plugin is an invoice plugin served over HTTP. Every lifecycle call is a
// JSON POST to <url>/<call>.
type Plugin struct {
	name    string
	baseURL string
	headers map[string]string
	client  httpclient.Client
	logger  *logger.Logger
}

// New creates a remote plugin from its configuration entry
func New(cfg config.RemotePluginConfig, client httpclient.Client, logger *logger.Logger) *Plugin {
	return &Plugin{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		headers: cfg.Headers,
		client:  client,
		logger:  logger.With("plugin", cfg.Name),
	}
}

// Name returns the registration name of the plugin
func (p *Plugin) Name() string {
	return p.name
}

type contextRequest struct {
	Context    *pluginDomain.InvoiceContext `json:"context"`
	Error      string                       `json:"error,omitempty"`
	Properties types.PluginProperties       `json:"properties"`
}

type invoiceRequest struct {
	Invoice    *invoice.Invoice       `json:"invoice"`
	IsDryRun   bool                   `json:"is_dry_run"`
	Properties types.PluginProperties `json:"properties"`
}

type additionalItemsResponse struct {
	Items []*invoice.InvoiceItem `json:"items"`
}

func (p *Plugin) PriorCall(ctx context.Context, ictx *pluginDomain.InvoiceContext, props types.PluginProperties) (*pluginDomain.PriorCallResult, error) {
	var res pluginDomain.PriorCallResult
	found, err := p.post(ctx, callPriorCall, &contextRequest{Context: ictx, Properties: props}, &res)
	if err != nil || !found {
		return nil, err
	}
	return &res, nil
}

func (p *Plugin) GetAdditionalItems(ctx context.Context, inv *invoice.Invoice, isDryRun bool, props types.PluginProperties) ([]*invoice.InvoiceItem, error) {
	var res additionalItemsResponse
	_, err := p.post(ctx, callAdditionalItems, &invoiceRequest{Invoice: inv, IsDryRun: isDryRun, Properties: props}, &res)
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}

func (p *Plugin) GetInvoiceGrouping(ctx context.Context, inv *invoice.Invoice, isDryRun bool, props types.PluginProperties) (*pluginDomain.GroupingResult, error) {
	var res pluginDomain.GroupingResult
	found, err := p.post(ctx, callGrouping, &invoiceRequest{Invoice: inv, IsDryRun: isDryRun, Properties: props}, &res)
	if err != nil || !found || len(res.Groups) == 0 {
		return nil, err
	}
	return &res, nil
}

func (p *Plugin) OnSuccessCall(ctx context.Context, ictx *pluginDomain.InvoiceContext, props types.PluginProperties) error {
	_, err := p.post(ctx, callOnSuccess, &contextRequest{Context: ictx, Properties: props}, nil)
	return err
}

func (p *Plugin) OnFailureCall(ctx context.Context, ictx *pluginDomain.InvoiceContext, props types.PluginProperties) error {
	req := &contextRequest{Context: ictx, Properties: props}
	if ictx != nil && ictx.Err != nil {
		req.Error = ictx.Err.Error()
	}
	_, err := p.post(ctx, callOnFailure, req, nil)
	return err
}

// post sends one lifecycle call. It reports false when the plugin answered
// 204, meaning it has nothing to say about the run.
func (p *Plugin) post(ctx context.Context, call string, body any, out any) (bool, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return false, ierr.WithError(err).
			WithMessagef("failed to encode %s request", call).
			Mark(ierr.ErrInternal)
	}

	resp, err := p.client.Send(ctx, &httpclient.Request{
		Method:  http.MethodPost,
		URL:     p.baseURL + "/" + call,
		Headers: p.headers,
		Body:    payload,
	})
	if err != nil {
		return false, p.mapError(call, err)
	}

	if resp.StatusCode == http.StatusNoContent || out == nil || len(resp.Body) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return false, ierr.WithError(err).
			WithMessagef("invalid %s response from plugin %s", call, p.name).
			WithHint("Remote invoice plugin returned an unreadable body").
			Mark(ierr.ErrPluginFailure)
	}
	return true, nil
}

// mapError turns a failed call into a domain error. Throttling answers and
// explicitly retryable errors of additional-items feed the retry lane.
func (p *Plugin) mapError(call string, err error) error {
	httpErr, ok := httpclient.IsHTTPError(err)
	if !ok {
		if call == callAdditionalItems {
			return ierr.WithError(err).
				WithMessagef("plugin %s is unreachable", p.name).
				Mark(ierr.ErrPluginRetryable)
		}
		return ierr.WithError(err).
			WithMessagef("plugin %s is unreachable", p.name).
			Mark(ierr.ErrPluginFailure)
	}

	var body ierr.ErrorResponse
	_ = json.Unmarshal(httpErr.Response, &body)

	p.logger.Warnw("remote invoice plugin call failed",
		"call", call,
		"status", httpErr.StatusCode,
		"code", body.Error.Code,
		"message", body.Error.Display,
	)

	retryable := httpErr.StatusCode == http.StatusTooManyRequests ||
		httpErr.StatusCode == http.StatusServiceUnavailable ||
		body.Error.Retryable

	b := ierr.WithError(err).
		WithMessagef("plugin %s %s answered %d", p.name, call, httpErr.StatusCode)
	if body.Error.Display != "" {
		b = b.WithHint(body.Error.Display)
	}
	if len(body.Error.Details) > 0 {
		b = b.WithReportableDetails(body.Error.Details)
	}
	if call == callAdditionalItems && retryable {
		return b.Mark(ierr.ErrPluginRetryable)
	}
	return b.Mark(ierr.ErrPluginFailure)
}
