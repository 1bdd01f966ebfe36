// Package firestore provides a Firestore implementation of the subsync.Store interface.
// Compare-and-set runs inside a Firestore transaction keyed on the customer document.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/caltrax/subsync/pkg/subsync"
)

const defaultCollection = "billing_subscriptions"

// Store implements subsync.Store using Google Cloud Firestore
type Store struct {
	client     *firestore.Client
	collection string
}

// Config holds Firestore store configuration
type Config struct {
	// Collection holds one document per customer
	// Default: "billing_subscriptions"
	Collection string
}

// New creates a new Firestore store
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.Collection == "" {
		config.Collection = defaultCollection
	}

	return &Store{
		client:     client,
		collection: config.Collection,
	}, nil
}

// Get implements subsync.Store
func (s *Store) Get(ctx context.Context, customerID string) (*subsync.SubscriptionRecord, error) {
	snap, err := s.doc(customerID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrRecordNotFound
		}
		return nil, classify("get", err)
	}
	if !snap.Exists() {
		return nil, subsync.ErrRecordNotFound
	}
	return fromData(customerID, snap.Data()), nil
}

// CompareAndSet implements subsync.Store
func (s *Store) CompareAndSet(ctx context.Context, customerID, expectedLastEventID string,
	rec *subsync.SubscriptionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.CustomerID != customerID {
		return fmt.Errorf("%w: customer id mismatch", subsync.ErrInvalidRecord)
	}

	ref := s.doc(customerID)
	data := toData(rec)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		exists := err == nil && snap.Exists()
		if !exists {
			if expectedLastEventID != "" {
				return subsync.ErrConflict
			}
			return tx.Create(ref, data)
		}

		if getString(snap.Data(), "lastEventId") != expectedLastEventID {
			return subsync.ErrConflict
		}
		return tx.Set(ref, data)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, subsync.ErrConflict):
		return subsync.ErrConflict
	case status.Code(err) == codes.AlreadyExists:
		// lost a create race outside the transaction's read set
		return subsync.ErrConflict
	default:
		return classify("compare_and_set", err)
	}
}

// CountByStatus implements subsync.StatusCounter with one count aggregation per status
func (s *Store) CountByStatus(ctx context.Context) (map[subsync.Status]int, error) {
	counts := make(map[subsync.Status]int)
	for _, st := range subsync.Statuses {
		q := s.client.Collection(s.collection).
			Where("status", "==", string(st))
		agg := q.NewAggregationQuery().
			WithCount("count")

		res, err := agg.Get(ctx)
		if err != nil {
			return nil, classify("count_by_status", err)
		}
		v, ok := res["count"].(*firestorepb.Value)
		if !ok {
			return nil, fmt.Errorf("unexpected count result for %q", st)
		}
		if n := int(v.GetIntegerValue()); n > 0 {
			counts[st] = n
		}
	}
	return counts, nil
}

// Close closes the Firestore client
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) doc(customerID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(customerID)
}

func toData(rec *subsync.SubscriptionRecord) map[string]interface{} {
	data := map[string]interface{}{
		"subscriptionId":     rec.SubscriptionID,
		"status":             string(rec.Status),
		"cancelAtPeriodEnd":  rec.CancelAtPeriodEnd,
		"planId":             rec.PlanID,
		"lastEventId":        rec.LastEventID,
		"lastEventTimestamp": rec.LastEventTimestamp,
		"updatedAt":          firestore.ServerTimestamp,
	}
	if !rec.CurrentPeriodEnd.IsZero() {
		data["currentPeriodEnd"] = rec.CurrentPeriodEnd
	}
	if rec.TrialEnd != nil {
		data["trialEnd"] = *rec.TrialEnd
	}
	return data
}

func fromData(customerID string, data map[string]interface{}) *subsync.SubscriptionRecord {
	rec := &subsync.SubscriptionRecord{
		CustomerID:         customerID,
		SubscriptionID:     getString(data, "subscriptionId"),
		Status:             subsync.Status(getString(data, "status")),
		CurrentPeriodEnd:   getTime(data, "currentPeriodEnd"),
		PlanID:             getString(data, "planId"),
		LastEventID:        getString(data, "lastEventId"),
		LastEventTimestamp: getTime(data, "lastEventTimestamp"),
	}
	if v, ok := data["cancelAtPeriodEnd"].(bool); ok {
		rec.CancelAtPeriodEnd = v
	}
	if t := getTime(data, "trialEnd"); !t.IsZero() {
		rec.TrialEnd = &t
	}
	return rec
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

// classify marks transport-level gRPC failures as store unavailability
func classify(op string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("%w: firestore %s: %w", subsync.ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("firestore %s: %w", op, err)
}

var (
	_ subsync.Store         = (*Store)(nil)
	_ subsync.StatusCounter = (*Store)(nil)
)
