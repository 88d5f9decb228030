package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/clintjeff2/seamless-deliveries/internal/models"
)

// PostgresBackend implements Backend on plain database/sql with lib/pq.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresBackend{db: db}, nil
}

func (p *PostgresBackend) DB() *sql.DB { return p.db }

func (p *PostgresBackend) CreateDelivery(ctx context.Context, d *models.Delivery) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deliveries(
			id, order_id, transport_id, driver_id, customer_id, business_id,
			status, status_version, pickup_lat, pickup_lon, dest_lat, dest_lon,
			original_distance_km, delivery_fee, created_at, updated_at
		) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		d.ID, d.OrderID, nullString(d.TransportID), nullString(d.DriverID), d.CustomerID, d.BusinessID,
		d.Status, d.StatusVersion, d.Pickup.Lat, d.Pickup.Lon, d.Destination.Lat, d.Destination.Lon,
		d.OriginalDistanceKm, d.DeliveryFee, d.CreatedAt, d.UpdatedAt)
	return err
}

func (p *PostgresBackend) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, order_id, transport_id, driver_id, customer_id, business_id,
		       status, status_version, pickup_lat, pickup_lon, dest_lat, dest_lon,
		       current_lat, current_lon, original_distance_km, delivery_fee,
		       created_at, updated_at
		FROM deliveries WHERE id = $1`, id)

	var d models.Delivery
	var transportID, driverID sql.NullString
	var curLat, curLon sql.NullFloat64
	err := row.Scan(&d.ID, &d.OrderID, &transportID, &driverID, &d.CustomerID, &d.BusinessID,
		&d.Status, &d.StatusVersion, &d.Pickup.Lat, &d.Pickup.Lon, &d.Destination.Lat, &d.Destination.Lon,
		&curLat, &curLon, &d.OriginalDistanceKm, &d.DeliveryFee, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.TransportID = transportID.String
	d.DriverID = driverID.String
	if curLat.Valid && curLon.Valid {
		d.Current = &models.Coord{Lat: curLat.Float64, Lon: curLon.Float64}
	}
	return &d, nil
}

func (p *PostgresBackend) UpdateDeliveryStatus(ctx context.Context, id string, from, to models.DeliveryStatus, version int) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE deliveries
		SET status = $1, status_version = status_version + 1, updated_at = now()
		WHERE id = $2 AND status = $3 AND status_version = $4`,
		to, id, from, version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresBackend) SetCurrentPosition(ctx context.Context, id string, c models.Coord, at time.Time) error {
	// Conditional on a non-terminal status: a write racing the terminal
	// transition becomes a no-op instead of resurrecting the position.
	_, err := p.db.ExecContext(ctx, `
		UPDATE deliveries SET current_lat=$1, current_lon=$2, updated_at=$3
		WHERE id=$4 AND status NOT IN ('delivered','cancelled')`,
		c.Lat, c.Lon, at, id)
	return err
}

func (p *PostgresBackend) ClearCurrentPosition(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE deliveries SET current_lat=NULL, current_lon=NULL, updated_at=now() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (p *PostgresBackend) AppendTransitionEvent(ctx context.Context, e models.TransitionEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO delivery_transitions(delivery_id, from_status, to_status, actor_type, actor_id, created_at)
		VALUES($1,$2,$3,$4,$5,$6)`,
		e.DeliveryID, e.From, e.To, e.Actor, nullString(e.ActorID), e.CreatedAt)
	return err
}

func (p *PostgresBackend) MarkOrderCompleted(ctx context.Context, orderID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE orders SET status='completed', updated_at=now() WHERE id=$1`, orderID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (p *PostgresBackend) GetOrCreateChat(ctx context.Context, deliveryID, customerID, driverID string) (*models.Chat, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chats(id, status, customer_id, driver_id, created_at, updated_at)
		VALUES($1,'active',$2,$3,now(),now())
		ON CONFLICT (id) DO NOTHING`,
		deliveryID, customerID, driverID)
	if err != nil {
		return nil, err
	}
	return p.GetChat(ctx, deliveryID)
}

func (p *PostgresBackend) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, status, customer_id, customer_online, customer_last_seen, customer_typing_until,
		       driver_id, driver_online, driver_last_seen, driver_typing_until,
		       created_at, updated_at
		FROM chats WHERE id = $1`, chatID)

	var c models.Chat
	var custSeen, custTyping, drvSeen, drvTyping sql.NullTime
	err := row.Scan(&c.ID, &c.Status,
		&c.Participants.Customer.UserID, &c.Participants.Customer.IsOnline, &custSeen, &custTyping,
		&c.Participants.Driver.UserID, &c.Participants.Driver.IsOnline, &drvSeen, &drvTyping,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Participants.Customer.LastSeenAt = custSeen.Time
	c.Participants.Customer.TypingUntil = custTyping.Time
	c.Participants.Driver.LastSeenAt = drvSeen.Time
	c.Participants.Driver.TypingUntil = drvTyping.Time
	return &c, nil
}

func (p *PostgresBackend) SetChatStatus(ctx context.Context, chatID string, s models.ChatStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE chats SET status=$1, updated_at=now() WHERE id=$2`, s, chatID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (p *PostgresBackend) TouchPresence(ctx context.Context, chatID, userID string, online bool, seenAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE chats SET
			customer_online   = CASE WHEN customer_id = $1 THEN $2 ELSE customer_online END,
			customer_last_seen = CASE WHEN customer_id = $1 THEN $3 ELSE customer_last_seen END,
			driver_online     = CASE WHEN driver_id = $1 THEN $2 ELSE driver_online END,
			driver_last_seen   = CASE WHEN driver_id = $1 THEN $3 ELSE driver_last_seen END,
			updated_at = now()
		WHERE id = $4 AND (customer_id = $1 OR driver_id = $1)`,
		userID, online, seenAt, chatID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (p *PostgresBackend) SetTypingUntil(ctx context.Context, chatID, userID string, until time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE chats SET
			customer_typing_until = CASE WHEN customer_id = $1 THEN $2 ELSE customer_typing_until END,
			driver_typing_until   = CASE WHEN driver_id = $1 THEN $2 ELSE driver_typing_until END
		WHERE id = $3 AND (customer_id = $1 OR driver_id = $1)`,
		userID, until, chatID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (p *PostgresBackend) SaveMessage(ctx context.Context, m *models.Message) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO messages(chat_id, sender_type, sender_id, content, is_read, created_at)
		VALUES($1,$2,$3,$4,$5,$6)
		RETURNING id`,
		m.ChatID, m.SenderType, m.SenderID, m.Content, m.IsRead, m.CreatedAt).Scan(&m.ID)
}

func (p *PostgresBackend) MessagesByChat(ctx context.Context, chatID string) ([]models.Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, chat_id, sender_type, sender_id, content, is_read, created_at
		FROM messages WHERE chat_id = $1
		ORDER BY created_at, id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderType, &m.SenderID, &m.Content, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) MarkMessagesRead(ctx context.Context, chatID, readerID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE messages SET is_read = TRUE
		WHERE chat_id = $1 AND sender_id <> $2 AND sender_type <> 'system' AND is_read = FALSE`,
		chatID, readerID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresBackend) UnreadCount(ctx context.Context, chatID, viewerID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE chat_id = $1 AND sender_id <> $2 AND sender_type <> 'system' AND is_read = FALSE`,
		chatID, viewerID).Scan(&n)
	return n, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
