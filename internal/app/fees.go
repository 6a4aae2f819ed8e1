/**
 * @description
 * The fee calculator: turns a task price into the full monetary breakdown enforced at
 * checkout. Pure integer math in minor currency units; no I/O, no side effects, the
 * same input always yields the same output.
 */

package app

import (
	"github.com/taskorilla/payment-service/internal/domain"
)

// computeBreakdown calculates the split for a task payment. The payer fee is a fixed
// amount in minor units; the payee commission is commissionBps basis points of the
// price, rounded half-up to the nearest minor unit.
func computeBreakdown(taskPriceMinor, payerFeeMinor, commissionBps int64, currency string) (domain.PaymentBreakdown, error) {
	if taskPriceMinor < 0 {
		return domain.PaymentBreakdown{}, domain.ErrInvalidAmount
	}

	// Half-up rounding: (price * bps + 5000) / 10000.
	commission := (taskPriceMinor*commissionBps + 5000) / 10000
	if commission > taskPriceMinor {
		commission = taskPriceMinor
	}

	return domain.PaymentBreakdown{
		TaskPriceMinor:       taskPriceMinor,
		PayerFeeMinor:        payerFeeMinor,
		PayeeCommissionMinor: commission,
		TotalChargeMinor:     taskPriceMinor + payerFeeMinor,
		PlatformFeeMinor:     payerFeeMinor + commission,
		PayeeReceivesMinor:   taskPriceMinor - commission,
		Currency:             currency,
	}, nil
}

// ComputeBreakdown applies the configured fee rules to a task price. A zero-price task
// still incurs the fixed payer fee; its commission is zero.
func (s *Service) ComputeBreakdown(taskPriceMinor int64, currency string) (domain.PaymentBreakdown, error) {
	if currency == "" {
		currency = s.settings.DefaultCurrency
	}
	return computeBreakdown(taskPriceMinor, s.settings.PayerFeeMinor, s.settings.PayeeCommissionBps, currency)
}
