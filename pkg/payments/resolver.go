package payments

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
)

// PayerReferenceResolver resolves the account from an explicit user reference
// carried on the notification itself.
type PayerReferenceResolver struct{}

// Resolve returns the payer reference when present.
func (PayerReferenceResolver) Resolve(ctx context.Context, notification Notification) (credits.UserID, bool, error) {
	if notification.PayerReference == "" {
		return credits.UserID{}, false, nil
	}
	userID, err := credits.NewUserID(notification.PayerReference)
	if err != nil {
		return credits.UserID{}, false, nil
	}
	return userID, true, nil
}

// CustomerLinkResolver resolves the account from a previously stored mapping
// of gateway customer id to user id.
type CustomerLinkResolver struct {
	store Store
}

// NewCustomerLinkResolver wires the resolver to its store.
func NewCustomerLinkResolver(store Store) *CustomerLinkResolver {
	return &CustomerLinkResolver{store: store}
}

// Resolve looks up the stored customer mapping.
func (resolver *CustomerLinkResolver) Resolve(ctx context.Context, notification Notification) (credits.UserID, bool, error) {
	if notification.CustomerReference == "" {
		return credits.UserID{}, false, nil
	}
	rawUserID, found, err := resolver.store.GetCustomerLink(ctx, notification.CustomerReference)
	if err != nil {
		return credits.UserID{}, false, err
	}
	if !found {
		return credits.UserID{}, false, nil
	}
	userID, err := credits.NewUserID(rawUserID)
	if err != nil {
		return credits.UserID{}, false, err
	}
	return userID, true, nil
}

// resolveAccount walks the resolver chain in order.
func resolveAccount(ctx context.Context, resolvers []AccountResolver, notification Notification) (credits.UserID, bool, error) {
	for _, resolver := range resolvers {
		userID, found, err := resolver.Resolve(ctx, notification)
		if err != nil {
			return credits.UserID{}, false, err
		}
		if found {
			return userID, true, nil
		}
	}
	return credits.UserID{}, false, nil
}
