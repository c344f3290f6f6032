// Command reschedule rewrites repayment schedules for existing loans using
// the amortization and fee engines. Dry-run by default; pass --commit to
// apply.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"peerfund.app/internal/db"
	"peerfund.app/internal/fees"
	"peerfund.app/internal/schedule"
	"peerfund.app/internal/store"
)

var (
	flagIDs         string
	flagFundedSince string
	flagMode        string
	flagBump        float64
	flagPeerfund    string
	flagBank        string
	flagTouchPaid   bool
	flagCommit      bool
)

func main() {
	cmd := &cobra.Command{
		Use:   "reschedule",
		Short: "Recompute repayment schedules for matching loans",
		RunE:  run,
	}

	cmd.Flags().StringVar(&flagIDs, "ids", "", "comma-separated loan ids")
	cmd.Flags().StringVar(&flagFundedSince, "fundedSince", "", "loans funded on or after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flagMode, "mode", "term", "interest model: term or apr")
	cmd.Flags().Float64Var(&flagBump, "bump", 0, "percentage points added to each loan's rate")
	cmd.Flags().StringVar(&flagPeerfund, "peerfund", "0.03", "platform fee rate")
	cmd.Flags().StringVar(&flagBank, "bank", "0.01", "banking fee rate")
	cmd.Flags().BoolVar(&flagTouchPaid, "touchPaid", false, "rewrite PAID rows too")
	cmd.Flags().BoolVar(&flagCommit, "commit", false, "apply changes (default is dry-run)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if flagIDs == "" && flagFundedSince == "" {
		return errors.New("one of --ids or --fundedSince is required")
	}
	if flagMode != "term" && flagMode != "apr" {
		return fmt.Errorf("unknown mode %q", flagMode)
	}

	platformRate, err := decimal.NewFromString(flagPeerfund)
	if err != nil {
		return fmt.Errorf("--peerfund: %w", err)
	}
	bankRate, err := decimal.NewFromString(flagBank)
	if err != nil {
		return fmt.Errorf("--bank: %w", err)
	}
	rates := fees.Rates{Platform: platformRate, Banking: bankRate}

	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()
	st := store.New(pool)

	loans, err := selectLoans(ctx, st)
	if err != nil {
		return err
	}
	if len(loans) == 0 {
		fmt.Println("no matching loans")
		return nil
	}

	bump := decimal.NewFromFloat(flagBump)
	for _, loan := range loans {
		if err := rescheduleLoan(ctx, st, loan, rates, bump); err != nil {
			return fmt.Errorf("loan %s: %w", loan.ID, err)
		}
	}

	if !flagCommit {
		fmt.Println("dry-run: no changes written (pass --commit to apply)")
	}
	return nil
}

func selectLoans(ctx context.Context, st *store.Store) ([]store.Loan, error) {
	if flagIDs != "" {
		var ids []uuid.UUID
		for _, raw := range strings.Split(flagIDs, ",") {
			id, err := uuid.Parse(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("--ids: %w", err)
			}
			ids = append(ids, id)
		}
		return st.ListLoansByIDs(ctx, ids)
	}

	since, err := time.Parse("2006-01-02", flagFundedSince)
	if err != nil {
		return nil, fmt.Errorf("--fundedSince: %w", err)
	}
	return st.ListLoansFundedSince(ctx, since)
}

func rescheduleLoan(ctx context.Context, st *store.Store, loan store.Loan, rates fees.Rates, bump decimal.Decimal) error {
	borrower, err := st.GetUser(ctx, loan.BorrowerID)
	if err != nil {
		return err
	}

	principal := fees.FromCents(loan.PrincipalCents)
	rate := fees.RateFromBps(loan.RateBps).Add(bump)

	var installments []schedule.Installment
	if flagMode == "term" {
		installments, err = schedule.TermAdd(principal, rate, loan.TermMonths, loan.CreatedAt, rates, borrower.IsSuperUser)
	} else {
		installments, err = schedule.Annuity(principal, rate, loan.TermMonths, loan.CreatedAt, rates, borrower.IsSuperUser)
	}
	if err != nil {
		return err
	}

	inputs := make([]store.RepaymentInput, 0, len(installments))
	var total decimal.Decimal
	for _, in := range installments {
		total = total.Add(in.Total)
		inputs = append(inputs, store.RepaymentInput{
			Sequence:         in.Sequence,
			DueDate:          in.DueDate,
			BaseCents:        fees.Cents(in.Base),
			BankingFeeCents:  fees.Cents(in.BankingFee),
			PlatformFeeCents: fees.Cents(in.PlatformFee),
			TotalCents:       fees.Cents(in.Total),
		})
	}

	fmt.Printf("loan %s: %d installments, rate %s%%, total charged $%s\n",
		loan.ID, len(inputs), rate.String(), total.StringFixed(2))

	if !flagCommit {
		return nil
	}
	return st.ReplaceSchedule(ctx, loan.ID, inputs, flagTouchPaid)
}
