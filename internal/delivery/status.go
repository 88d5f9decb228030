package delivery

import "github.com/clintjeff2/seamless-deliveries/internal/models"

// forward is the single legal successor for each non-terminal status. The
// happy path never skips a step and never moves backward; cancelled is the
// only side exit.
var forward = map[models.DeliveryStatus]models.DeliveryStatus{
	models.StatusPending:   models.StatusAccepted,
	models.StatusAccepted:  models.StatusPickedUp,
	models.StatusPickedUp:  models.StatusInTransit,
	models.StatusInTransit: models.StatusDelivered,
}

// NextStatus returns the legal forward successor, or false for terminal
// statuses.
func NextStatus(s models.DeliveryStatus) (models.DeliveryStatus, bool) {
	next, ok := forward[s]
	return next, ok
}

func IsTerminal(s models.DeliveryStatus) bool {
	return s.Terminal()
}

// prePickup reports whether a transition into next is still on the business's
// side of the handoff.
func prePickup(next models.DeliveryStatus) bool {
	return next == models.StatusAccepted || next == models.StatusPickedUp
}
