package delivery

import (
	"testing"

	"github.com/clintjeff2/seamless-deliveries/internal/models"
)

func TestNextStatusHappyPath(t *testing.T) {
	chain := []models.DeliveryStatus{
		models.StatusPending,
		models.StatusAccepted,
		models.StatusPickedUp,
		models.StatusInTransit,
		models.StatusDelivered,
	}
	for i := 0; i < len(chain)-1; i++ {
		next, ok := NextStatus(chain[i])
		if !ok || next != chain[i+1] {
			t.Fatalf("NextStatus(%s) = %s,%v; want %s", chain[i], next, ok, chain[i+1])
		}
	}
}

func TestNextStatusTerminal(t *testing.T) {
	for _, s := range []models.DeliveryStatus{models.StatusDelivered, models.StatusCancelled} {
		if _, ok := NextStatus(s); ok {
			t.Fatalf("NextStatus(%s) should return none", s)
		}
		if !IsTerminal(s) {
			t.Fatalf("IsTerminal(%s) should be true", s)
		}
	}
}

func TestNoBackwardOrSkippingEdges(t *testing.T) {
	// Every forward edge goes to the immediate successor only; map shape is
	// the invariant, so assert it directly.
	if len(forward) != 4 {
		t.Fatalf("unexpected number of forward edges: %d", len(forward))
	}
	for from, to := range forward {
		if IsTerminal(from) {
			t.Fatalf("terminal state %s has a forward edge", from)
		}
		if to == models.StatusCancelled {
			t.Fatalf("cancel must not be a forward edge (from %s)", from)
		}
	}
}
