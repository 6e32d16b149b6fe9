// Package tally provides a subscription and billing reconciliation engine
// for Go applications.
//
// Tally is designed as a library, not a service. Import it into the
// application that owns your users and let it keep the local view of every
// subscription consistent with what the payment gateway reports. It
// provides:
//
//   - A pure subscription state machine driven by user intents and gateway facts
//   - Verified, deduplicated webhook ingestion that is safe under redelivery
//   - A fixed-cadence dunning scheduler for failed payments
//   - Usage metering with atomic per-period counters and overage pricing
//   - Currency normalization and tax computation with half-up rounding
//   - Revenue snapshots (MRR, churn, ARPU, payment success rate)
//   - Pluggable payment provider integration (Stripe built-in)
//
// # Quick Start
//
// Create an engine with your preferred store:
//
//	import (
//	    "github.com/xraph/tally"
//	    "github.com/xraph/tally/gateway/stripe"
//	    "github.com/xraph/tally/store/postgres"
//	    "github.com/xraph/tally/webhook"
//	)
//
//	store := postgres.New(db)
//
//	engine := tally.New(store,
//	    tally.WithProvider(stripe.New(apiKey, nil)),
//	    tally.WithVerifier(webhook.NewStripeVerifier(secret, 5*time.Minute)),
//	    tally.WithDecoder(webhook.StripeDecoder{}),
//	)
//
//	// Start the engine (migrates and begins the dunning worker)
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// # Core Concepts
//
// Plans define prices per billing cycle and metered limits:
//
//	p := &plan.Plan{
//	    Name:         "Pro",
//	    Slug:         "pro",
//	    Currency:     "usd",
//	    MonthlyPrice: types.USD(999),
//	    Features: []plan.Feature{
//	        {Key: "api_calls", Type: plan.FeatureMetered, Limit: 10000},
//	    },
//	}
//
// Subscribe opens a pending subscription and a hosted checkout:
//
//	co, err := engine.Subscribe(ctx, tally.SubscribeRequest{
//	    UserID: "user_1", PlanSlug: "pro", Cycle: plan.CycleMonthly,
//	})
//	http.Redirect(w, r, co.URL, http.StatusSeeOther)
//
// The subscription only becomes active when the gateway says so. Feed
// every webhook delivery to Ingest and acknowledge it when no error is
// returned:
//
//	ack, err := engine.Ingest(ctx, body, r.Header.Get("Stripe-Signature"))
//
// # Consistency
//
// Every write to a subscription runs under a per-subscription lock and an
// optimistic version check. Use lock/redislock when more than one process
// ingests events. Ledger rows are keyed by the gateway event that produced
// them, so a redelivered event never records a payment twice.
//
// All monetary amounts are integer minor units. The Money type represents
// amounts in the smallest currency unit (cents for USD, pence for GBP, etc).
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	plan_01h2xcejqtf2nbrexx3vqjhp41  // Plan ID
//	sub_01h2xcejqtf2nbrexx3vqjhp41   // Subscription ID
//	dun_01h455vb4pex5vsknk084sn02q   // Dunning case ID
package tally
