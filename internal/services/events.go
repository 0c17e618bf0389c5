package services

import (
	"context"
	"encoding/json"
	"log"

	"github.com/go-redis/redis/v8"
)

// ParcelEventsChannel is the Redis pub/sub channel carrying parcel
// change notifications for map tile invalidation.
const ParcelEventsChannel = "parcel_events"

type parcelEvent struct {
	Type     string `json:"type"`
	ParcelID string `json:"parcel_id"`
}

// ParcelEventPublisher broadcasts parcel state changes over Redis.
// Delivery is best effort: publishing happens after commit, failures
// are logged and never surfaced to the caller, and a nil client
// (Redis unavailable at startup) disables broadcasting entirely.
type ParcelEventPublisher struct {
	client *redis.Client
}

func NewParcelEventPublisher(client *redis.Client) *ParcelEventPublisher {
	return &ParcelEventPublisher{client: client}
}

// PublishParcelUpdate announces that a parcel's ownership, price or
// rental state changed.
func (p *ParcelEventPublisher) PublishParcelUpdate(ctx context.Context, parcelID string) {
	if p == nil || p.client == nil {
		return
	}

	payload, err := json.Marshal(parcelEvent{Type: "parcel_updated", ParcelID: parcelID})
	if err != nil {
		log.Printf("[EVENTS] Failed to encode parcel event: %v", err)
		return
	}

	if err := p.client.Publish(ctx, ParcelEventsChannel, payload).Err(); err != nil {
		log.Printf("[EVENTS] Failed to publish parcel event for %s: %v", parcelID, err)
	}
}
