/**
 * @description
 * Onboarding status resolution for payee connected accounts. The provider is the
 * source of truth: every resolution is a fresh read-through call, never served from a
 * cache, because the payee may complete requirements between any two calls.
 */

package app

import (
	"context"

	"github.com/taskorilla/payment-service/internal/domain"
)

// deriveOnboardingStatus computes the status snapshot from a provider account. The
// fully-onboarded flag is always derived from the three capability flags; a snapshot
// must be interpretable on its own, with no assumption that earlier flags stay set.
func deriveOnboardingStatus(account *domain.ProviderAccount) domain.OnboardingStatus {
	return domain.OnboardingStatus{
		AccountID:        account.ID,
		DetailsSubmitted: account.DetailsSubmitted,
		ChargesEnabled:   account.ChargesEnabled,
		PayoutsEnabled:   account.PayoutsEnabled,
		Requirements:     account.Requirements,
		IsFullyOnboarded: account.DetailsSubmitted && account.ChargesEnabled && account.PayoutsEnabled,
	}
}

// ResolveOnboardingStatus fetches the account's current readiness to receive funds.
// This is the gate consulted before any checkout session is built for a payee.
func (s *Service) ResolveOnboardingStatus(ctx context.Context, accountID string) (domain.OnboardingStatus, error) {
	account, err := s.provider.GetAccount(ctx, accountID)
	if err != nil {
		return domain.OnboardingStatus{}, err
	}
	return deriveOnboardingStatus(account), nil
}

// ResolveOnboardingStatusForPayee resolves by payee id, looking up the connected
// account first.
func (s *Service) ResolveOnboardingStatusForPayee(ctx context.Context, payeeID string) (domain.OnboardingStatus, error) {
	account, err := s.repo.FindConnectedAccountByPayeeID(ctx, payeeID)
	if err != nil {
		return domain.OnboardingStatus{}, err
	}
	return s.ResolveOnboardingStatus(ctx, account.AccountID)
}
