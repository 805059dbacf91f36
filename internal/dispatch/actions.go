package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cassiomorais/paylink/internal/access"
	domainErrors "github.com/cassiomorais/paylink/internal/domain/errors"
	"github.com/cassiomorais/paylink/internal/domain/payment"
	"github.com/cassiomorais/paylink/internal/mailer"
	"github.com/cassiomorais/paylink/pkg/retry"
)

const (
	ActionNotification = "notification"
	ActionAccessGrant  = "access_grant"
)

// Mailer sends one message.
type Mailer interface {
	Send(ctx context.Context, msg mailer.Message) error
}

// NotificationAction emails a payment confirmation.
type NotificationAction struct {
	mailer           Mailer
	defaultRecipient string
}

func NewNotificationAction(m Mailer, defaultRecipient string) *NotificationAction {
	return &NotificationAction{mailer: m, defaultRecipient: defaultRecipient}
}

func (a *NotificationAction) Name() string { return ActionNotification }

func (a *NotificationAction) Execute(ctx context.Context, p *payment.Payment) error {
	to := p.MetadataString("email")
	if to == "" {
		to = a.defaultRecipient
	}
	if to == "" {
		return fmt.Errorf("no recipient: %w", domainErrors.ErrSideEffectSkipped)
	}

	return a.mailer.Send(ctx, mailer.Message{
		To:      []string{to},
		Subject: fmt.Sprintf("Payment %s confirmed", p.OrderCode),
		Body:    confirmationBody(p),
	})
}

func confirmationBody(p *payment.Payment) string {
	var b strings.Builder
	b.WriteString("Your payment has been received.\n\n")
	fmt.Fprintf(&b, "Order code: %s\n", p.OrderCode)
	fmt.Fprintf(&b, "Amount: %d\n", p.Amount)
	fmt.Fprintf(&b, "Description: %s\n", p.Description)
	if name := p.MetadataString("serviceName"); name != "" {
		fmt.Fprintf(&b, "Item: %s\n", name)
	}
	return b.String()
}

// Granter registers an enrollment with the access service.
type Granter interface {
	Grant(ctx context.Context, e access.Enrollment) error
}

// AccessGrantAction enrolls the buyer in what the payment was for.
type AccessGrantAction struct {
	granter Granter
}

func NewAccessGrantAction(g Granter) *AccessGrantAction {
	return &AccessGrantAction{granter: g}
}

func (a *AccessGrantAction) Name() string { return ActionAccessGrant }

func (a *AccessGrantAction) Execute(ctx context.Context, p *payment.Payment) error {
	userID := p.MetadataString("userId")
	serviceID := p.MetadataString("serviceId")
	if userID == "" || serviceID == "" {
		return fmt.Errorf("metadata lacks userId or serviceId: %w", domainErrors.ErrSideEffectSkipped)
	}

	err := a.granter.Grant(ctx, access.Enrollment{
		UserID:      userID,
		ServiceID:   serviceID,
		ServiceName: p.MetadataString("serviceName"),
		OrderCode:   p.OrderCode.String(),
		Amount:      p.Amount,
	})
	if errors.Is(err, access.ErrRejected) {
		return retry.Permanent(err)
	}
	return err
}
