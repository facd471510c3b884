package service

import (
	"github.com/petermetz/killbill/internal/cache"
	"github.com/petermetz/killbill/internal/clock"
	"github.com/petermetz/killbill/internal/config"
	"github.com/petermetz/killbill/internal/domain/billing"
	"github.com/petermetz/killbill/internal/domain/invoice"
	"github.com/petermetz/killbill/internal/domain/lease"
	"github.com/petermetz/killbill/internal/domain/notification"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/plugin"
	"github.com/petermetz/killbill/internal/postgres"
	"github.com/petermetz/killbill/internal/publisher"
	"github.com/petermetz/killbill/internal/sentry"
)

// ServiceParams holds common dependencies for services
type ServiceParams struct {
	Logger *logger.Logger
	Config *config.Configuration
	DB     postgres.IClient
	Clock  clock.Clock
	Sentry *sentry.Service
	Cache  cache.Cache

	// Repositories
	InvoiceRepo      invoice.Repository
	NotificationRepo notification.Repository
	LeaseRepo        lease.Repository

	// Collaborators
	EventSource      billing.EventSource
	AccountProvider  billing.AccountProvider
	CreditRebalancer billing.CreditRebalancer

	// Publishers
	EventPublisher publisher.EventPublisher

	PluginGateway *plugin.Gateway
}

// Common service params
func NewServiceParams(
	logger *logger.Logger,
	config *config.Configuration,
	db postgres.IClient,
	clock clock.Clock,
	sentry *sentry.Service,
	cache cache.Cache,
	invoiceRepo invoice.Repository,
	notificationRepo notification.Repository,
	leaseRepo lease.Repository,
	eventSource billing.EventSource,
	accountProvider billing.AccountProvider,
	creditRebalancer billing.CreditRebalancer,
	eventPublisher publisher.EventPublisher,
	pluginGateway *plugin.Gateway,
) ServiceParams {
	return ServiceParams{
		Logger:           logger,
		Config:           config,
		DB:               db,
		Clock:            clock,
		Sentry:           sentry,
		Cache:            cache,
		InvoiceRepo:      invoiceRepo,
		NotificationRepo: notificationRepo,
		LeaseRepo:        leaseRepo,
		EventSource:      eventSource,
		AccountProvider:  NewCachedAccountProvider(accountProvider, cache, config.Cache.AccountTTL),
		CreditRebalancer: creditRebalancer,
		EventPublisher:   eventPublisher,
		PluginGateway:    pluginGateway,
	}
}
