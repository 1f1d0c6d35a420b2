package ids_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"pkt.systems/endpointd/internal/ids"
)

func TestNewGlobalTxnIDIsUUIDv7(t *testing.T) {
	t.Parallel()

	raw := ids.NewGlobalTxnID()
	parsed, err := uuid.Parse(raw)
	if err != nil {
		t.Fatalf("uuid.Parse: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
	if raw == ids.NewGlobalTxnID() {
		t.Fatal("expected unique ids")
	}
}

func TestNewDeliveryIDParsesAsXid(t *testing.T) {
	t.Parallel()

	if _, err := xid.FromString(ids.NewDeliveryID()); err != nil {
		t.Fatalf("xid.FromString: %v", err)
	}
}
