package delivery

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/clintjeff2/seamless-deliveries/internal/chat"
	"github.com/clintjeff2/seamless-deliveries/internal/feed"
	"github.com/clintjeff2/seamless-deliveries/internal/geo"
	"github.com/clintjeff2/seamless-deliveries/internal/location"
	"github.com/clintjeff2/seamless-deliveries/internal/logging"
	"github.com/clintjeff2/seamless-deliveries/internal/models"
	"github.com/clintjeff2/seamless-deliveries/internal/storage"
)

func newTestService(t *testing.T, store storage.Backend) *Service {
	t.Helper()
	logger := logging.NewLoggerTo(io.Discard, "error")
	bus := feed.NewChannelBus()
	stream := location.NewStream(store, geo.NewMemoryLive(), bus, nil, nil, logger, location.Config{
		MinInterval:    time.Millisecond,
		MaxAge:         time.Minute,
		RouteCacheTTL:  time.Minute,
		CoordPrecision: 4,
	})
	chats := chat.NewService(store, bus, chat.Config{
		OnlineWindow: 2 * time.Minute,
		AwayWindow:   10 * time.Minute,
		TypingQuiet:  2 * time.Second,
	})
	return NewService(store, stream, chats, bus, logger, 3, time.Millisecond)
}

func createDelivery(t *testing.T, svc *Service) *models.Delivery {
	t.Helper()
	d, err := svc.Create(context.Background(), CreateCommand{
		OrderID:     "order-1",
		TransportID: "transport-1",
		DriverID:    "drv-1",
		CustomerID:  "cust-1",
		BusinessID:  "biz-1",
		Pickup:      models.Coord{Lat: 4.1556, Lon: 9.2385},
		Destination: models.Coord{Lat: 4.0511, Lon: 9.7679},
		DeliveryFee: 1500,
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestCreateCapturesOriginalDistance(t *testing.T) {
	store := storage.NewMemoryBackend()
	svc := newTestService(t, store)

	d := createDelivery(t, svc)
	if d.Status != models.StatusPending {
		t.Fatalf("new delivery status = %s", d.Status)
	}
	// No provider configured: straight-line Buea to Douala is ~60-70 km.
	if d.OriginalDistanceKm < 55 || d.OriginalDistanceKm > 80 {
		t.Fatalf("unexpected original distance: %f", d.OriginalDistanceKm)
	}
}

func TestAdvanceFullChain(t *testing.T) {
	store := storage.NewMemoryBackend()
	svc := newTestService(t, store)
	ctx := context.Background()
	d := createDelivery(t, svc)

	steps := []struct {
		actor   models.ActorType
		actorID string
		want    models.DeliveryStatus
	}{
		{models.ActorBusiness, "biz-1", models.StatusAccepted},
		{models.ActorBusiness, "biz-1", models.StatusPickedUp},
		{models.ActorDriver, "drv-1", models.StatusInTransit},
		{models.ActorDriver, "drv-1", models.StatusDelivered},
	}
	for _, st := range steps {
		got, err := svc.AdvanceStatus(ctx, d.ID, st.actor, st.actorID)
		if err != nil {
			t.Fatalf("advance to %s: %v", st.want, err)
		}
		if got.Status != st.want {
			t.Fatalf("status = %s, want %s", got.Status, st.want)
		}
	}

	// Terminal: nothing more.
	if _, err := svc.AdvanceStatus(ctx, d.ID, models.ActorDriver, "drv-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after delivered, got %v", err)
	}
	if _, err := svc.Cancel(ctx, d.ID, models.ActorCustomer, "cust-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition cancelling delivered, got %v", err)
	}
}

func TestDeliveredMarksOrderCompleted(t *testing.T) {
	store := storage.NewMemoryBackend()
	svc := newTestService(t, store)
	ctx := context.Background()
	d := createDelivery(t, svc)

	advanceTo(t, svc, d.ID, models.StatusDelivered)
	if !store.OrderCompleted("order-1") {
		t.Fatal("expected parent order completed")
	}

	got, _ := store.GetDelivery(ctx, d.ID)
	if got.Current != nil {
		t.Fatal("terminal delivery must not expose a current position")
	}
}

type flakyOrderBackend struct {
	storage.Backend
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyOrderBackend) MarkOrderCompleted(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("orders table unavailable")
	}
	return f.Backend.MarkOrderCompleted(ctx, orderID)
}

func TestOrderCompletionReconciledAfterFailure(t *testing.T) {
	mem := storage.NewMemoryBackend()
	store := &flakyOrderBackend{Backend: mem, failures: 2}
	svc := newTestService(t, store)
	d := createDelivery(t, svc)

	advanceTo(t, svc, d.ID, models.StatusDelivered)

	// The compensating retry loop runs in the background with millisecond
	// backoff; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mem.OrderCompleted("order-1") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("order completion was never reconciled")
}

func TestAuthorization(t *testing.T) {
	store := storage.NewMemoryBackend()
	svc := newTestService(t, store)
	ctx := context.Background()
	d := createDelivery(t, svc)

	// Customers never advance status.
	if _, err := svc.AdvanceStatus(ctx, d.ID, models.ActorCustomer, "cust-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for customer, got %v", err)
	}
	// A different driver cannot act on this delivery.
	if _, err := svc.AdvanceStatus(ctx, d.ID, models.ActorDriver, "drv-2"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for wrong driver, got %v", err)
	}

	advanceTo(t, svc, d.ID, models.StatusInTransit)

	// The business's authority ends at pickup.
	if _, err := svc.AdvanceStatus(ctx, d.ID, models.ActorBusiness, "biz-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for business post-pickup, got %v", err)
	}
	// A stranger cannot cancel.
	if _, err := svc.Cancel(ctx, d.ID, models.ActorCustomer, "someone-else"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for stranger cancel, got %v", err)
	}
	// The customer can.
	if _, err := svc.Cancel(ctx, d.ID, models.ActorCustomer, "cust-1"); err != nil {
		t.Fatalf("customer cancel failed: %v", err)
	}
}

func TestRejectionDoesNotMutate(t *testing.T) {
	store := storage.NewMemoryBackend()
	svc := newTestService(t, store)
	ctx := context.Background()
	d := createDelivery(t, svc)

	_, _ = svc.AdvanceStatus(ctx, d.ID, models.ActorCustomer, "cust-1")

	got, _ := store.GetDelivery(ctx, d.ID)
	if got.Status != models.StatusPending || got.StatusVersion != 0 {
		t.Fatalf("rejected transition mutated state: %+v", got)
	}
	if n := len(store.TransitionEvents()); n != 0 {
		t.Fatalf("rejected transition appended %d events", n)
	}
}

func TestConcurrentAdvanceExactlyOneWins(t *testing.T) {
	store := storage.NewMemoryBackend()
	svc := newTestService(t, store)
	ctx := context.Background()
	d := createDelivery(t, svc)

	const sessions = 8
	var wg sync.WaitGroup
	errs := make([]error, sessions)
	start := make(chan struct{})

	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.AdvanceStatus(ctx, d.ID, models.ActorBusiness, "biz-1")
		}(i)
	}
	close(start)
	wg.Wait()

	wins, stale := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrStaleWrite):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || stale != sessions-1 {
		t.Fatalf("wins=%d stale=%d, want 1/%d", wins, stale, sessions-1)
	}

	got, _ := store.GetDelivery(ctx, d.ID)
	if got.Status != models.StatusAccepted || got.StatusVersion != 1 {
		t.Fatalf("state corrupted by race: %+v", got)
	}
}

func TestCancelSideExitFromEveryNonTerminalState(t *testing.T) {
	for _, upTo := range []models.DeliveryStatus{
		models.StatusPending, models.StatusAccepted, models.StatusPickedUp, models.StatusInTransit,
	} {
		store := storage.NewMemoryBackend()
		svc := newTestService(t, store)
		d := createDelivery(t, svc)
		advanceTo(t, svc, d.ID, upTo)

		got, err := svc.Cancel(context.Background(), d.ID, models.ActorDriver, "drv-1")
		if err != nil {
			t.Fatalf("cancel from %s: %v", upTo, err)
		}
		if got.Status != models.StatusCancelled {
			t.Fatalf("status = %s, want cancelled", got.Status)
		}
	}
}

func TestTerminalEndsChat(t *testing.T) {
	store := storage.NewMemoryBackend()
	svc := newTestService(t, store)
	ctx := context.Background()
	d := createDelivery(t, svc)

	advanceTo(t, svc, d.ID, models.StatusDelivered)

	c, err := store.GetChat(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != models.ChatEnded {
		t.Fatalf("chat status = %s, want ended", c.Status)
	}
}

func TestAcceptedPostsAssignmentNotice(t *testing.T) {
	store := storage.NewMemoryBackend()
	svc := newTestService(t, store)
	ctx := context.Background()
	d := createDelivery(t, svc)

	advanceTo(t, svc, d.ID, models.StatusAccepted)

	msgs, err := store.MessagesByChat(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].SenderType != models.SenderSystem {
		t.Fatalf("expected exactly one system notice, got %+v", msgs)
	}

	// Notices are informational; neither party's badge moves.
	for _, viewer := range []string{"cust-1", "drv-1"} {
		n, err := store.UnreadCount(ctx, d.ID, viewer)
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Fatalf("unread for %s = %d, want 0", viewer, n)
		}
	}
}

// advanceTo walks the happy path up to target using the right actors.
func advanceTo(t *testing.T, svc *Service, id string, target models.DeliveryStatus) {
	t.Helper()
	if target == models.StatusPending {
		return
	}
	ctx := context.Background()
	order := []models.DeliveryStatus{
		models.StatusAccepted, models.StatusPickedUp, models.StatusInTransit, models.StatusDelivered,
	}
	for _, next := range order {
		actor, actorID := models.ActorDriver, "drv-1"
		if prePickup(next) {
			actor, actorID = models.ActorBusiness, "biz-1"
		}
		if _, err := svc.AdvanceStatus(ctx, id, actor, actorID); err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
		if next == target {
			return
		}
	}
	t.Fatalf("never reached %s", target)
}
