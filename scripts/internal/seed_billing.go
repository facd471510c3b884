package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/petermetz/killbill/internal/domain/billing"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/postgres"
	billingRepo "github.com/petermetz/killbill/internal/repository/postgres"
	"github.com/petermetz/killbill/internal/types"
	"github.com/shopspring/decimal"
)

// SeedAccount creates ACCOUNT_ID with MONTHS monthly recurring charges of
// AMOUNT starting at EFFECTIVE_DATE
func SeedAccount() error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}

	accountID, err := requireEnv("ACCOUNT_ID")
	if err != nil {
		return err
	}
	months, err := envInt("MONTHS", 3)
	if err != nil {
		return err
	}
	start, err := envDate("EFFECTIVE_DATE")
	if err != nil {
		return err
	}
	amount, err := decimal.NewFromString(envOr("AMOUNT", "20"))
	if err != nil {
		return ierr.WithError(err).
			WithHint("AMOUNT must be a decimal number").
			Mark(ierr.ErrValidation)
	}

	db, err := postgres.NewDB(cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo := billingRepo.NewBillingRepository(db, log)
	account := &billing.Account{
		ID:       accountID,
		TenantID: envOr("TENANT_ID", types.DefaultTenantID),
		Currency: envOr("CURRENCY", "USD"),
	}
	if err := repo.UpsertAccount(ctx, account); err != nil {
		return err
	}

	subscriptionID := "sub_" + accountID
	charges := make([]*billing.Charge, 0, months)
	for i := 0; i < months; i++ {
		from := start.AddDate(0, i, 0)
		to := start.AddDate(0, i+1, 0)
		charges = append(charges, &billing.Charge{
			SubscriptionID: subscriptionID,
			Type:           types.InvoiceItemTypeRecurring,
			Amount:         amount,
			Currency:       account.Currency,
			StartDate:      from,
			EndDate:        &to,
			Description:    fmt.Sprintf("%s %s", subscriptionID, types.FormatDate(from)),
		})
	}
	if err := repo.AddCharges(ctx, account.ID, charges); err != nil {
		return err
	}

	log.Infow("seeded billing account",
		"account_id", account.ID,
		"tenant_id", account.TenantID,
		"months", months,
		"first_charge", types.FormatDate(start),
	)
	return nil
}
