package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// messageDoc is the stored shape of a message in the chattings collection.
type messageDoc struct {
	ID        string    `bson:"_id"`
	Kind      string    `bson:"kind"`
	Content   string    `bson:"content"`
	Sender    string    `bson:"sender"`
	Recipient string    `bson:"recipient"`
	CreatedAt time.Time `bson:"created_at"`
	Status    string    `bson:"status"`
	HiddenFor string    `bson:"hidden_for,omitempty"`
}

func toDoc(m *domain.Message) messageDoc {
	kind, raw := domain.EncodeContent(m.Content)
	return messageDoc{
		ID:        m.ID,
		Kind:      string(kind),
		Content:   raw,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		CreatedAt: m.CreatedAt.UTC(),
		Status:    string(m.Status),
		HiddenFor: m.HiddenFor,
	}
}

func (d messageDoc) toMessage() (*domain.Message, error) {
	c, err := domain.DecodeContent(domain.Kind(d.Kind), d.Content)
	if err != nil {
		return nil, fmt.Errorf("decode message %s: %w", d.ID, err)
	}
	return &domain.Message{
		ID:        d.ID,
		Content:   c,
		Sender:    d.Sender,
		Recipient: d.Recipient,
		CreatedAt: d.CreatedAt,
		Status:    domain.Status(d.Status),
		HiddenFor: d.HiddenFor,
	}, nil
}

// Connect dials MongoDB and retries the ping with exponential backoff until
// maxWait elapses.
func Connect(ctx context.Context, uri string, maxWait time.Duration, log *zap.SugaredLogger) (*mongo.Client, error) {
	var client *mongo.Client
	op := func() error {
		c, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetServerSelectionTimeout(5*time.Second))
		if err != nil {
			return err
		}
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.Ping(pctx, nil); err != nil {
			_ = c.Disconnect(context.Background())
			return err
		}
		client = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxWait
	notify := func(err error, next time.Duration) {
		log.Warnw("mongo not reachable yet", "err", err, "retry_in", next)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	return client, nil
}

type MongoRepository struct {
	coll *mongo.Collection
}

func NewMongoRepository(coll *mongo.Collection, log *zap.SugaredLogger) *MongoRepository {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "sender", Value: 1}, {Key: "recipient", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("pair_created_idx"),
		},
		{
			Keys:    bson.D{{Key: "recipient", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index().SetName("recipient_status_idx"),
		},
		{
			Keys:    bson.D{{Key: "seen_batch", Value: 1}},
			Options: options.Index().SetName("seen_batch_idx").SetSparse(true),
		},
	})
	if err != nil {
		log.Errorw("failed to create message indexes", "collection", coll.Name(), "err", err)
	}
	return &MongoRepository{coll: coll}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}

func statusValues(st []domain.Status) bson.A {
	out := bson.A{}
	for _, s := range st {
		out = append(out, string(s))
	}
	return out
}

func (r *MongoRepository) Insert(ctx context.Context, m *domain.Message) (bool, error) {
	d := toDoc(m)
	fields := bson.M{
		"kind":       d.Kind,
		"content":    d.Content,
		"sender":     d.Sender,
		"recipient":  d.Recipient,
		"created_at": d.CreatedAt,
		"status":     d.Status,
	}
	if d.HiddenFor != "" {
		fields["hidden_for"] = d.HiddenFor
	}
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": d.ID},
		bson.M{"$setOnInsert": fields},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, unavailable("insert", err)
	}
	return res.UpsertedCount == 1, nil
}

func (r *MongoRepository) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	var d messageDoc
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrUnknownMessage
		}
		return nil, unavailable("find", err)
	}
	return d.toMessage()
}

func (r *MongoRepository) AdvanceStatus(ctx context.Context, id string, to domain.Status) (*domain.Message, bool, error) {
	filter := bson.M{
		"_id":    id,
		"status": bson.M{"$in": statusValues(domain.StatusesBefore(to))},
	}
	var d messageDoc
	err := r.coll.FindOneAndUpdate(ctx, filter,
		bson.M{"$set": bson.M{"status": string(to)}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if err == nil {
		m, err := d.toMessage()
		return m, err == nil, err
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, unavailable("advance status", err)
	}
	// either unknown or already at/after `to`
	m, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return m, false, nil
}

// MarkAllSeen tags every document it flips with a fresh batch id and reads
// back only that batch, so documents flipped concurrently by someone else
// are never returned.
func (r *MongoRepository) MarkAllSeen(ctx context.Context, recipient, sender string) ([]*domain.Message, error) {
	open := statusValues(domain.StatusesBefore(domain.StatusSeen))
	batch := uuid.NewString()
	res, err := r.coll.UpdateMany(ctx,
		bson.M{"recipient": recipient, "sender": sender, "status": bson.M{"$in": open}},
		bson.M{"$set": bson.M{"status": string(domain.StatusSeen), "seen_batch": batch}},
	)
	if err != nil {
		return nil, unavailable("mark seen", err)
	}
	if res.ModifiedCount == 0 {
		return []*domain.Message{}, nil
	}
	return r.find(ctx,
		bson.M{"seen_batch": batch},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
}

func (r *MongoRepository) Conversation(ctx context.Context, q ConversationQuery) ([]*domain.Message, error) {
	filter := bson.M{
		"$or": bson.A{
			bson.M{"sender": q.Me, "recipient": q.Counterpart},
			bson.M{"sender": q.Counterpart, "recipient": q.Me},
		},
		"hidden_for": bson.M{"$nin": bson.A{q.Me, domain.HiddenForBoth}},
	}
	if len(q.Kinds) > 0 {
		kinds := bson.A{}
		for _, k := range q.Kinds {
			kinds = append(kinds, string(k))
		}
		filter["kind"] = bson.M{"$in": kinds}
	}
	if !q.Before.IsZero() {
		filter["created_at"] = bson.M{"$lt": q.Before.UTC()}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(q.limit())
	msgs, err := r.find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	// newest-first from the cursor; callers expect oldest first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// HideFor sets the hidden-for marker in one conditional update: the caller's
// identity when unset or already theirs, HiddenForBoth otherwise.
func (r *MongoRepository) HideFor(ctx context.Context, id, identity string) (*domain.Message, error) {
	filter := bson.M{
		"_id": id,
		"$or": bson.A{bson.M{"sender": identity}, bson.M{"recipient": identity}},
	}
	current := bson.M{"$ifNull": bson.A{"$hidden_for", ""}}
	self := bson.M{"$literal": identity}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{{Key: "hidden_for", Value: bson.M{
			"$cond": bson.A{
				bson.M{"$in": bson.A{current, bson.A{"", self}}},
				self,
				domain.HiddenForBoth,
			},
		}}}}},
	}
	var d messageDoc
	err := r.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if err == nil {
		return d.toMessage()
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, unavailable("hide", err)
	}
	// either unknown or the caller is not a party
	if _, err := r.FindByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s is not a party to message %s", domain.ErrForbidden, identity, id)
}

func (r *MongoRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*domain.Message, error) {
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, unavailable("find", err)
	}
	defer cur.Close(ctx)

	out := []*domain.Message{}
	for cur.Next(ctx) {
		var d messageDoc
		if err := cur.Decode(&d); err != nil {
			return nil, unavailable("decode", err)
		}
		m, err := d.toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := cur.Err(); err != nil {
		return nil, unavailable("cursor", err)
	}
	return out, nil
}
