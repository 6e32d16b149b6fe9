package tally_test

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/gateway"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/types"
	"github.com/xraph/tally/webhook"
)

// TestDocumentationExamples verifies that all examples in the documentation compile
func TestDocumentationExamples(t *testing.T) {
	// Test Quick Start example from the package docs
	t.Run("QuickStartExample", func(t *testing.T) {
		// Create store (memory for demo, use PostgreSQL in production)
		store := memory.New()
		provider := gateway.NewMock()
		verifier := webhook.NewHMACVerifier("whsec_demo")

		engine := tally.New(store,
			tally.WithLogger(slog.New(slog.DiscardHandler)),
			tally.WithProvider(provider),
			tally.WithVerifier(verifier),
			tally.WithDunningInterval(0),
		)

		ctx := context.Background()
		if err := engine.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer engine.Stop()

		p := &plan.Plan{
			Name:         "Pro Plan",
			Slug:         "pro",
			Currency:     "usd",
			MonthlyPrice: types.USD(4900), // $49.00
			YearlyPrice:  types.USD(49000),
			Features: []plan.Feature{
				{Key: "api_calls", Name: "API Calls", Type: plan.FeatureMetered, Limit: 10000},
			},
		}
		if err := engine.CreatePlan(ctx, p); err != nil {
			t.Fatal(err)
		}

		// Open a checkout; the subscription stays pending until the
		// gateway reports payment.
		co, err := engine.Subscribe(ctx, tally.SubscribeRequest{
			UserID:   "user_123",
			PlanSlug: "pro",
			Cycle:    plan.CycleMonthly,
		})
		if err != nil {
			t.Fatal(err)
		}
		log.Printf("Redirect to %s\n", co.URL)

		now := time.Now()
		send := func(eventID string, typ webhook.EventType, payload any) {
			body, _ := json.Marshal(payload)
			raw, _ := json.Marshal(webhook.Envelope{ID: eventID, Type: string(typ), CreatedAt: now, Payload: body})
			if _, err := engine.Ingest(ctx, raw, verifier.Sign(raw)); err != nil {
				t.Fatal(err)
			}
		}
		send("evt_1", webhook.SubscriptionCreated, webhook.SubscriptionPayload{
			SubscriptionID:     "sub_gw_1",
			Status:             "incomplete",
			CurrentPeriodStart: now,
			CurrentPeriodEnd:   now.AddDate(0, 1, 0),
			Metadata:           map[string]string{webhook.MetaSubscriptionID: co.Subscription.ID.String()},
		})
		send("evt_2", webhook.InvoicePaymentSucceeded, webhook.InvoicePayload{
			InvoiceID:      "in_1",
			SubscriptionID: "sub_gw_1",
			AmountDue:      4900,
			AmountPaid:     4900,
			Currency:       "usd",
			PeriodStart:    now,
			PeriodEnd:      now.AddDate(0, 1, 0),
		})

		view, err := engine.CurrentSubscription(ctx, "user_123")
		if err != nil {
			t.Fatal(err)
		}
		log.Printf("Subscription %s is %s on %s\n", view.Subscription.ID, view.Subscription.Status, view.Plan.Name)

		if _, err := engine.RecordUsage(ctx, meter.Usage{
			SubscriptionID: view.Subscription.ID,
			UsageType:      "api_calls",
			Amount:         100,
		}); err != nil {
			t.Fatal(err)
		}

		snap, err := engine.Snapshot(ctx, time.Time{})
		if err != nil {
			t.Fatal(err)
		}
		log.Printf("MRR: %s\n", snap.MRR.String())
	})

	// Test Money type examples
	t.Run("MoneyExamples", func(t *testing.T) {
		// Constructors
		_ = types.USD(4900)   // $49.00
		_ = types.EUR(9900)   // €99.00
		_ = types.Zero("usd") // $0.00

		// Arithmetic
		m1 := types.USD(100)
		m2 := types.USD(200)
		_ = m1.Add(m2)     // $3.00
		_ = m1.Multiply(3) // $3.00

		// Comparison
		if m1.Cmp(m2) < 0 {
			// m1 is less than m2
		}

		// Formatting
		if got := m1.String(); got != "$1.00" {
			t.Errorf("String() = %q", got)
		}
		if got := m1.FormatMajor(); got != "1.00" {
			t.Errorf("FormatMajor() = %q", got)
		}
	})
}
