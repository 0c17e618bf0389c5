package services

import (
	"context"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestParcelEventPublisher_PublishParcelUpdate(t *testing.T) {
	t.Run("publishes on the parcel events channel", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		publisher := NewParcelEventPublisher(client)

		payload := `{"type":"parcel_updated","parcel_id":"parcel1"}`
		mock.ExpectPublish(ParcelEventsChannel, []byte(payload)).SetVal(1)

		publisher.PublishParcelUpdate(context.Background(), "parcel1")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("publish failure is swallowed", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		publisher := NewParcelEventPublisher(client)

		payload := `{"type":"parcel_updated","parcel_id":"parcel1"}`
		mock.ExpectPublish(ParcelEventsChannel, []byte(payload)).SetErr(assert.AnError)

		// Delivery is best effort; the call must not panic or block.
		publisher.PublishParcelUpdate(context.Background(), "parcel1")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil client disables broadcasting", func(t *testing.T) {
		publisher := NewParcelEventPublisher(nil)
		publisher.PublishParcelUpdate(context.Background(), "parcel1")
	})
}
