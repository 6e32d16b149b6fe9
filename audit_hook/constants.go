package audithook

// Action constants for audit events.
const (
	// Plan actions
	ActionPlanCreated  = "plan.created"
	ActionPlanUpdated  = "plan.updated"
	ActionPlanArchived = "plan.archived"

	// Subscription actions
	ActionSubscriptionCreated    = "subscription.created"
	ActionSubscriptionUpgraded   = "subscription.upgraded"
	ActionSubscriptionDowngraded = "subscription.downgraded"
	ActionSubscriptionStatus     = "subscription.status_changed"
	ActionSubscriptionCanceled   = "subscription.canceled"

	// Money actions
	ActionTransactionRecorded = "transaction.recorded"
	ActionPaymentFailed       = "payment.failed"
	ActionBillingRecorded     = "billing.recorded"

	// Dunning actions
	ActionDunningStarted   = "dunning.started"
	ActionDunningAttempt   = "dunning.attempt"
	ActionDunningResolved  = "dunning.resolved"
	ActionDunningExhausted = "dunning.exhausted"

	// Usage actions
	ActionUsageRejected   = "usage.rejected"
	ActionUsageAdjustment = "usage.adjustment"

	// Webhook actions
	ActionWebhookProcessed = "webhook.processed"
	ActionWebhookRejected  = "webhook.rejected"
	ActionOrphanEvent      = "webhook.orphan"
)

// Resource constants for audit events.
const (
	ResourcePlan         = "plan"
	ResourceSubscription = "subscription"
	ResourceTransaction  = "transaction"
	ResourceBilling      = "billing_record"
	ResourceDunning      = "dunning_case"
	ResourceUsage        = "usage"
	ResourceWebhook      = "webhook"
)

// Category constants for audit events.
const (
	CategoryBilling      = "billing"
	CategorySubscription = "subscription"
	CategoryUsage        = "usage"
	CategoryPayment      = "payment"
	CategoryIntegration  = "integration"
	CategorySecurity     = "security"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
