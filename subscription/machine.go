package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/money"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/transaction"
	"github.com/xraph/tally/types"
)

var (
	ErrInvalidTransition    = errors.New("tally: invalid subscription transition")
	ErrSubscriptionCanceled = errors.New("tally: subscription is canceled")
)

// Result is the outcome of a transition. Next is only worth persisting
// when Changed is true; Commands must be executed either way.
type Result struct {
	Next     Subscription
	Commands []Command
	Changed  bool
}

// Transition computes the next state of sub for input in at time now. It
// performs no I/O and never mutates sub.
func Transition(sub Subscription, in Input, now time.Time) (Result, error) {
	m := &machine{next: *sub.Clone(), now: now.UTC()}

	var err error
	switch v := in.(type) {
	case Create:
		err = m.create(v)
	case ChangePlan:
		err = m.changePlan(v)
	case Cancel:
		m.cancel(v)
	case SubscriptionCreated:
		m.subscriptionCreated(v)
	case SubscriptionUpdated:
		m.subscriptionUpdated(v)
	case SubscriptionDeleted:
		m.subscriptionDeleted(v)
	case InvoicePaid:
		m.invoicePaid(v)
	case InvoiceFailed:
		m.invoiceFailed(v)
	case PaymentRecovered:
		m.paymentRecovered(v)
	default:
		err = fmt.Errorf("%w: unsupported input %T", ErrInvalidTransition, in)
	}
	if err != nil {
		return Result{}, err
	}

	if m.changed {
		m.next.Touch(m.now)
	}
	return Result{Next: m.next, Commands: m.cmds, Changed: m.changed}, nil
}

type machine struct {
	next    Subscription
	cmds    []Command
	changed bool
	now     time.Time
}

func (m *machine) emit(cmds ...Command) { m.cmds = append(m.cmds, cmds...) }

func (m *machine) setStatus(s Status) {
	if m.next.Status != s {
		m.next.Status = s
		m.changed = true
	}
}

func (m *machine) setString(field *string, v string) {
	if v != "" && *field != v {
		*field = v
		m.changed = true
	}
}

func (m *machine) setPeriod(start, end time.Time) {
	if start.IsZero() || end.IsZero() {
		return
	}
	start, end = start.UTC(), end.UTC()
	if !m.next.CurrentPeriodStart.Equal(start) || !m.next.CurrentPeriodEnd.Equal(end) {
		m.next.CurrentPeriodStart = start
		m.next.CurrentPeriodEnd = end
		m.changed = true
	}
}

// ──────────────────────────────────────────────────
// Intents
// ──────────────────────────────────────────────────

func (m *machine) create(v Create) error {
	if m.next.Status != "" {
		return fmt.Errorf("%w: subscription %s already exists", ErrInvalidTransition, m.next.ID)
	}
	if v.Plan == nil || v.UserID == "" || v.ID.IsNil() {
		return fmt.Errorf("%w: create requires id, user and plan", ErrInvalidTransition)
	}
	if v.Plan.Status != plan.StatusActive {
		return fmt.Errorf("%w: plan %s is %s", ErrInvalidTransition, v.Plan.Slug, v.Plan.Status)
	}
	cycle := v.Cycle
	if !cycle.Valid() {
		return fmt.Errorf("%w: unknown billing cycle %q", ErrInvalidTransition, v.Cycle)
	}

	m.next = Subscription{
		Entity:             types.NewEntityAt(m.now),
		ID:                 v.ID,
		UserID:             v.UserID,
		PlanID:             v.Plan.ID,
		Cycle:              cycle,
		Status:             StatusPending,
		ProviderCustomerID: v.ProviderCustomerID,
	}
	m.changed = true
	return nil
}

func (m *machine) changePlan(v ChangePlan) error {
	switch m.next.Status {
	case StatusCanceled:
		return ErrSubscriptionCanceled
	case StatusActive, StatusTrialing:
	default:
		return fmt.Errorf("%w: cannot change plan while %s", ErrInvalidTransition, m.next.Status)
	}
	if v.From == nil || v.To == nil {
		return fmt.Errorf("%w: change plan requires both plans", ErrInvalidTransition)
	}
	if v.From.ID.String() != m.next.PlanID.String() {
		return fmt.Errorf("%w: subscription is not on plan %s", ErrInvalidTransition, v.From.ID)
	}
	if v.To.Status != plan.StatusActive {
		return fmt.Errorf("%w: plan %s is %s", ErrInvalidTransition, v.To.Slug, v.To.Status)
	}

	cycle := v.Cycle
	if !cycle.Valid() {
		cycle = m.next.Cycle
	}
	if v.To.ID.String() == v.From.ID.String() && cycle == m.next.Cycle {
		return nil
	}

	oldPrice := v.From.PriceFor(m.next.Cycle)
	newPrice := v.To.PriceFor(cycle)
	if !oldPrice.SameCurrency(newPrice) {
		return fmt.Errorf("%w: plans are priced in %s and %s", ErrInvalidTransition, oldPrice.Currency, newPrice.Currency)
	}

	if v.Prorate && m.next.Status == StatusActive && m.next.InPeriod(m.now) {
		if amount := m.proration(oldPrice, newPrice); !amount.IsZero() {
			key := fmt.Sprintf("proration:%s:%d", m.next.ID, m.now.UnixNano())
			m.emit(RecordBillingHistory{
				Jurisdiction:  v.Jurisdiction,
				SourceEventID: key,
				AmountDue:     amount,
				AmountPaid:    types.Zero(amount.Currency),
				Reason:        invoice.ReasonProration,
				PeriodStart:   m.now,
				PeriodEnd:     m.next.CurrentPeriodEnd,
			})
			if amount.IsPositive() {
				m.emit(RecordTransaction{
					SourceEventID: key,
					Amount:        amount,
					Status:        transaction.StatusPending,
					Provenance:    transaction.Proration{FromPlanID: v.From.ID.String(), ToPlanID: v.To.ID.String()},
				})
			}
		}
	}

	m.next.PlanID = v.To.ID
	m.next.Cycle = cycle
	m.changed = true
	m.emit(Notify{
		Template: TemplatePlanChanged,
		Message:  fmt.Sprintf("plan changed from %s to %s", v.From.Name, v.To.Name),
	})
	return nil
}

// proration is the price difference scaled by the unused share of the
// current period, rounded half-up to the minor unit.
func (m *machine) proration(oldPrice, newPrice types.Money) types.Money {
	total := m.next.CurrentPeriodEnd.Sub(m.next.CurrentPeriodStart)
	remaining := m.next.CurrentPeriodEnd.Sub(m.now)
	if total <= 0 || remaining <= 0 {
		return types.Zero(newPrice.Currency)
	}
	fraction := decimal.NewFromInt(int64(remaining)).Div(decimal.NewFromInt(int64(total)))
	diff := decimal.NewFromInt(newPrice.Amount - oldPrice.Amount)
	return types.New(money.RoundHalfUp(diff.Mul(fraction), 0).IntPart(), newPrice.Currency)
}

func (m *machine) cancel(v Cancel) {
	if m.next.Status == StatusCanceled {
		return
	}
	source := v.Source
	if source == "" {
		source = SourceUser
	}

	scheduled := v.AtPeriodEnd && source == SourceUser &&
		(m.next.Status == StatusActive || m.next.Status == StatusTrialing) &&
		!m.next.CurrentPeriodEnd.IsZero() && m.next.CurrentPeriodEnd.After(m.now)
	if scheduled {
		if m.next.CancelAt != nil {
			return
		}
		at := m.next.CurrentPeriodEnd
		m.next.CancelAt = &at
		m.next.CancelReason = v.Reason
		m.changed = true
		if m.next.ProviderSubscriptionID != "" {
			m.emit(CancelAtProvider{AtPeriodEnd: true})
		}
		m.emit(Notify{Template: TemplateCancelScheduled, Message: v.Reason})
		return
	}

	m.terminate(v.Reason, source)
}

// terminate moves the subscription to canceled and emits the cleanup
// commands appropriate for who asked.
func (m *machine) terminate(reason string, source CancelSource) {
	wasDistressed := m.next.Status.InDistress()

	m.setStatus(StatusCanceled)
	at := m.now
	m.next.CanceledAt = &at
	if reason != "" {
		m.next.CancelReason = reason
	}

	if wasDistressed && source != SourceDunning {
		m.emit(ResolveDunning{Reason: "subscription_canceled"})
	}
	if m.next.ProviderSubscriptionID != "" && source != SourceGateway {
		m.emit(CancelAtProvider{})
	}
	m.emit(Notify{Template: TemplateCanceled, Message: reason})
}

// ──────────────────────────────────────────────────
// Facts
// ──────────────────────────────────────────────────

// providerStatuses maps gateway subscription statuses onto local ones.
var providerStatuses = map[string]Status{
	"active":             StatusActive,
	"trialing":           StatusTrialing,
	"past_due":           StatusPastDue,
	"unpaid":             StatusUnpaid,
	"canceled":           StatusCanceled,
	"incomplete":         StatusPending,
	"incomplete_expired": StatusCanceled,
}

// MapProviderStatus translates a gateway status. The second result is false
// for statuses the engine does not recognise.
func MapProviderStatus(s string) (Status, bool) {
	st, ok := providerStatuses[s]
	return st, ok
}

func (m *machine) subscriptionCreated(v SubscriptionCreated) {
	if m.next.Status == StatusCanceled {
		return
	}
	m.setString(&m.next.ProviderSubscriptionID, v.ProviderSubscriptionID)
	m.setString(&m.next.ProviderCustomerID, v.ProviderCustomerID)
	m.setPeriod(v.PeriodStart, v.PeriodEnd)
	if v.TrialStart != nil && v.TrialEnd != nil && m.next.TrialEnd == nil {
		start, end := v.TrialStart.UTC(), v.TrialEnd.UTC()
		m.next.TrialStart, m.next.TrialEnd = &start, &end
		m.changed = true
	}

	if m.next.Status != StatusPending {
		return
	}
	target, known := MapProviderStatus(v.ProviderStatus)
	switch {
	case !known:
		m.emit(Notify{
			Template: TemplateManualReview,
			Message:  fmt.Sprintf("unrecognized provider status %q on creation", v.ProviderStatus),
		})
	case target == StatusTrialing:
		m.setStatus(StatusTrialing)
	case target == StatusActive:
		m.setStatus(StatusActive)
		m.emit(Notify{Template: TemplateSubscriptionReady})
	}
}

func (m *machine) subscriptionUpdated(v SubscriptionUpdated) {
	if m.next.Status == StatusCanceled {
		return
	}
	m.setPeriod(v.PeriodStart, v.PeriodEnd)
	if !v.PlanID.IsNil() && v.PlanID.String() != m.next.PlanID.String() {
		m.next.PlanID = v.PlanID
		m.changed = true
	}
	if v.Cycle.Valid() && v.Cycle != m.next.Cycle {
		m.next.Cycle = v.Cycle
		m.changed = true
	}
	if v.CancelAt != nil && (m.next.CancelAt == nil || !m.next.CancelAt.Equal(*v.CancelAt)) {
		at := v.CancelAt.UTC()
		m.next.CancelAt = &at
		m.changed = true
	}

	target, known := MapProviderStatus(v.ProviderStatus)
	if !known {
		// Fail closed: an unrecognised status never grants access.
		m.setStatus(StatusPastDue)
		m.emit(Notify{
			Template: TemplateManualReview,
			Message:  fmt.Sprintf("unrecognized provider status %q", v.ProviderStatus),
		})
		return
	}

	cur := m.next.Status
	switch target {
	case StatusCanceled:
		m.terminate("canceled at gateway", SourceGateway)

	case StatusUnpaid:
		switch cur {
		case StatusPastDue:
			m.setStatus(StatusUnpaid)
			m.emit(Notify{Template: TemplatePaymentFailed, Message: "subscription unpaid"})
		case StatusUnpaid:
		default:
			m.setStatus(StatusPastDue)
			m.emit(Notify{
				Template: TemplateManualReview,
				Message:  fmt.Sprintf("gateway reported unpaid while %s", cur),
			})
		}

	case StatusPastDue:
		switch cur {
		case StatusActive, StatusTrialing:
			m.setStatus(StatusPastDue)
			m.emit(StartDunning{Reason: "provider_past_due"})
		case StatusUnpaid:
			m.setStatus(StatusPastDue)
		}

	case StatusActive:
		switch cur {
		case StatusPending, StatusTrialing:
			m.setStatus(StatusActive)
		case StatusPastDue, StatusUnpaid:
			m.setStatus(StatusActive)
			m.emit(ResolveDunning{Reason: "provider_recovered"}, Notify{Template: TemplatePaymentRecovered})
		}

	case StatusTrialing:
		if cur == StatusPending {
			m.setStatus(StatusTrialing)
		}
	}
}

func (m *machine) subscriptionDeleted(v SubscriptionDeleted) {
	if m.next.Status == StatusCanceled {
		return
	}
	reason := v.Reason
	if reason == "" {
		reason = "deleted at gateway"
	}
	m.terminate(reason, SourceGateway)
}

func (m *machine) invoicePaid(v InvoicePaid) {
	m.emit(
		RecordTransaction{
			SourceEventID: v.EventID,
			Amount:        v.AmountPaid,
			Status:        transaction.StatusSucceeded,
			ProviderRef:   v.InvoiceID,
			Provenance:    transaction.SubscriptionInvoice{InvoiceID: v.InvoiceID, BillingReason: v.Reason},
		},
		RecordBillingHistory{
			SourceEventID:     v.EventID,
			ProviderInvoiceID: v.InvoiceID,
			AmountDue:         v.AmountDue,
			AmountPaid:        v.AmountPaid,
			Reason:            invoice.ParseReason(v.Reason),
			PeriodStart:       v.PeriodStart,
			PeriodEnd:         v.PeriodEnd,
		},
	)
	if m.next.Status != StatusCanceled {
		m.setPeriod(v.PeriodStart, v.PeriodEnd)
	}

	switch m.next.Status {
	case StatusPending:
		if v.AmountPaid.IsZero() && m.next.TrialEnd != nil && m.now.Before(*m.next.TrialEnd) {
			m.setStatus(StatusTrialing)
			return
		}
		m.setStatus(StatusActive)
		m.emit(Notify{Template: TemplateSubscriptionReady})
	case StatusTrialing:
		// Zero-amount invoices open a trial; they do not end it.
		if !v.AmountPaid.IsZero() {
			m.setStatus(StatusActive)
		}
	case StatusPastDue, StatusUnpaid:
		m.setStatus(StatusActive)
		m.emit(ResolveDunning{Reason: "payment_succeeded"}, Notify{Template: TemplatePaymentRecovered})
	case StatusCanceled:
		m.emit(Notify{
			Template: TemplateManualReview,
			Message:  fmt.Sprintf("payment %s received for canceled subscription", v.InvoiceID),
		})
	}
}

func (m *machine) invoiceFailed(v InvoiceFailed) {
	m.emit(
		RecordTransaction{
			SourceEventID: v.EventID,
			Amount:        v.AmountDue,
			Status:        transaction.StatusFailed,
			ProviderRef:   v.InvoiceID,
			Provenance:    transaction.SubscriptionInvoice{InvoiceID: v.InvoiceID, FailureReason: v.FailureReason},
		},
		RecordBillingHistory{
			SourceEventID:     v.EventID,
			ProviderInvoiceID: v.InvoiceID,
			AmountDue:         v.AmountDue,
			AmountPaid:        types.Zero(v.AmountDue.Currency),
			Reason:            invoice.ReasonPaymentFailed,
			PeriodStart:       v.PeriodStart,
			PeriodEnd:         v.PeriodEnd,
		},
	)

	switch m.next.Status {
	case StatusActive, StatusTrialing:
		m.setStatus(StatusPastDue)
		m.emit(
			StartDunning{Reason: v.FailureReason, ProviderInvoiceID: v.InvoiceID, FailedAt: v.FailedAt},
			Notify{Template: TemplatePaymentFailed, Message: v.FailureReason},
		)
	case StatusPastDue:
		m.emit(StartDunning{Reason: v.FailureReason, ProviderInvoiceID: v.InvoiceID, FailedAt: v.FailedAt})
	}
}

func (m *machine) paymentRecovered(v PaymentRecovered) {
	if !m.next.Status.InDistress() {
		return
	}
	reason := v.Reason
	if reason == "" {
		reason = "retry_succeeded"
	}
	m.setStatus(StatusActive)
	m.emit(ResolveDunning{Reason: reason}, Notify{Template: TemplatePaymentRecovered})
}
