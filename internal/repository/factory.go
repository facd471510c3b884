package repository

import (
	"github.com/petermetz/killbill/internal/domain/billing"
	"github.com/petermetz/killbill/internal/domain/invoice"
	"github.com/petermetz/killbill/internal/domain/lease"
	"github.com/petermetz/killbill/internal/domain/notification"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/petermetz/killbill/internal/postgres"
	postgresRepo "github.com/petermetz/killbill/internal/repository/postgres"
)

type RepositoryType string

const (
	PostgresRepo RepositoryType = "postgres"
)

func NewInvoiceRepository(db *postgres.DB, logger *logger.Logger) invoice.Repository {
	return postgresRepo.NewInvoiceRepository(db, logger)
}

func NewNotificationRepository(db *postgres.DB, logger *logger.Logger) notification.Repository {
	return postgresRepo.NewNotificationRepository(db, logger)
}

func NewLeaseRepository(db *postgres.DB, logger *logger.Logger) lease.Repository {
	return postgresRepo.NewLeaseRepository(db, logger)
}

func NewEventSource(db *postgres.DB, logger *logger.Logger) billing.EventSource {
	return postgresRepo.NewBillingRepository(db, logger)
}

func NewAccountProvider(db *postgres.DB, logger *logger.Logger) billing.AccountProvider {
	return postgresRepo.NewBillingRepository(db, logger)
}

func NewCreditRebalancer() billing.CreditRebalancer {
	return billing.NoopCreditRebalancer{}
}
