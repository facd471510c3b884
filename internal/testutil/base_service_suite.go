package testutil

import (
	"context"
	"time"

	"github.com/petermetz/killbill/internal/cache"
	"github.com/petermetz/killbill/internal/clock"
	"github.com/petermetz/killbill/internal/config"
	"github.com/petermetz/killbill/internal/domain/billing"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/postgres"
	"github.com/petermetz/killbill/internal/sentry"
	"github.com/petermetz/killbill/internal/types"
	"github.com/petermetz/killbill/internal/validator"
	"github.com/stretchr/testify/suite"
)

// Stores holds the in-memory repositories and collaborators of a test
type Stores struct {
	InvoiceRepo      *InMemoryInvoiceStore
	NotificationRepo *InMemoryNotificationStore
	LeaseRepo        *InMemoryLeaseStore
	Accounts         *InMemoryAccountStore
	Billing          *InMemoryBillingSource
	Rebalancer       *RecordingRebalancer
}

// BaseServiceTestSuite provides common functionality for all service test suites
type BaseServiceTestSuite struct {
	suite.Suite
	ctx       context.Context
	stores    Stores
	publisher *InMemoryPublisherService
	db        postgres.IClient
	logger    *logger.Logger
	config    *config.Configuration
	clock     *clock.FakeClock
	sentry    *sentry.Service
	cache     cache.Cache
}

// SetupSuite is called once before running the tests in the suite
func (s *BaseServiceTestSuite) SetupSuite() {
	// Initialize validator
	validator.NewValidator()
	s.logger = logger.NewNoopLogger()
}

// SetupTest is called before each test
func (s *BaseServiceTestSuite) SetupTest() {
	s.config = config.GetDefaultConfig()
	s.ctx = SetupContext()
	s.clock = clock.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	s.setupStores()
}

// TearDownTest is called after each test
func (s *BaseServiceTestSuite) TearDownTest() {
	s.clearStores()
}

func (s *BaseServiceTestSuite) setupStores() {
	s.stores = Stores{
		InvoiceRepo:      NewInMemoryInvoiceStore(),
		NotificationRepo: NewInMemoryNotificationStore(),
		LeaseRepo:        NewInMemoryLeaseStore(),
		Accounts:         NewInMemoryAccountStore(),
		Billing:          NewInMemoryBillingSource(),
		Rebalancer:       NewRecordingRebalancer(),
	}

	s.db = NewMockPostgresClient(s.logger, s.stores.InvoiceRepo, s.stores.NotificationRepo)
	s.publisher = NewInMemoryEventPublisher()
	s.sentry = sentry.NewSentryService(s.config, s.logger)
	s.cache = cache.NewInMemoryCache(s.config)
}

func (s *BaseServiceTestSuite) clearStores() {
	s.stores.InvoiceRepo.Clear()
	s.stores.NotificationRepo.Clear()
	s.stores.LeaseRepo.Clear()
	s.stores.Accounts.Clear()
	s.stores.Billing.Clear()
	s.stores.Rebalancer.Clear()
	s.publisher.Clear()
	s.cache.Flush(context.Background())
}

func (s *BaseServiceTestSuite) ClearStores() {
	s.clearStores()
}

// AddAccount stores a billing account of the default tenant
func (s *BaseServiceTestSuite) AddAccount(id, currency string) *billing.Account {
	account := &billing.Account{
		ID:       id,
		TenantID: types.DefaultTenantID,
		Currency: currency,
	}
	s.stores.Accounts.Add(account)
	return account
}

// GetContext returns the test context
func (s *BaseServiceTestSuite) GetContext() context.Context {
	return s.ctx
}

// GetConfig returns the test configuration
func (s *BaseServiceTestSuite) GetConfig() *config.Configuration {
	return s.config
}

// GetStores returns all test repositories
func (s *BaseServiceTestSuite) GetStores() Stores {
	return s.stores
}

// GetPublisher returns the test event publisher
func (s *BaseServiceTestSuite) GetPublisher() *InMemoryPublisherService {
	return s.publisher
}

// GetDB returns the test database client
func (s *BaseServiceTestSuite) GetDB() postgres.IClient {
	return s.db
}

// GetLogger returns the test logger
func (s *BaseServiceTestSuite) GetLogger() *logger.Logger {
	return s.logger
}

// GetClock returns the fake clock of the test
func (s *BaseServiceTestSuite) GetClock() *clock.FakeClock {
	return s.clock
}

// GetSentry returns a disabled sentry service
func (s *BaseServiceTestSuite) GetSentry() *sentry.Service {
	return s.sentry
}

// GetCache returns the test cache
func (s *BaseServiceTestSuite) GetCache() cache.Cache {
	return s.cache
}

// GetNow returns the current test time
func (s *BaseServiceTestSuite) GetNow() time.Time {
	return s.clock.Now().UTC()
}

// GetUUID returns a new UUID string
func (s *BaseServiceTestSuite) GetUUID() string {
	return types.GenerateUUID()
}
