package repository

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// Runs against a real server only when MONGO_TEST_URI is set, e.g.
// MONGO_TEST_URI=mongodb://localhost:27017 go test ./internal/repository/
func newTestCollection(t *testing.T) *mongo.Collection {
	t.Helper()
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	client, err := Connect(ctx, uri, 10*time.Second, zap.NewNop().Sugar())
	require.NoError(t, err)

	db := client.Database("realtime_test_" + uuid.NewString()[:8])
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	return db.Collection("chattings")
}

func newTestMongoRepository(t *testing.T) *MongoRepository {
	t.Helper()
	return NewMongoRepository(newTestCollection(t), zap.NewNop().Sugar())
}

func TestMongoRepositoryLifecycle(t *testing.T) {
	r := newTestMongoRepository(t)
	ctx := context.Background()

	ok, err := r.Insert(ctx, newMsg("m1", "a", "b", 0, domain.StatusPending))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.Insert(ctx, newMsg("m1", "a", "b", 0, domain.StatusSeen))
	require.NoError(t, err)
	assert.False(t, ok)

	m, changed, err := r.AdvanceStatus(ctx, "m1", domain.StatusSent)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.StatusSent, m.Status)

	m, changed, err = r.AdvanceStatus(ctx, "m1", domain.StatusPending)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, domain.StatusSent, m.Status)

	_, _, err = r.AdvanceStatus(ctx, "missing", domain.StatusSeen)
	assert.ErrorIs(t, err, domain.ErrUnknownMessage)

	_, _ = r.Insert(ctx, newMsg("m2", "a", "b", time.Second, domain.StatusPending))
	seen, err := r.MarkAllSeen(ctx, "b", "a")
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, "m1", seen[0].ID)

	again, err := r.MarkAllSeen(ctx, "b", "a")
	require.NoError(t, err)
	assert.Empty(t, again)

	_, err = r.HideFor(ctx, "m2", "a")
	require.NoError(t, err)
	conv, err := r.Conversation(ctx, ConversationQuery{Me: "a", Counterpart: "b"})
	require.NoError(t, err)
	require.Len(t, conv, 1)
	assert.Equal(t, "m1", conv[0].ID)
}

func TestMongoMarkAllSeenSkipsAlreadySeen(t *testing.T) {
	r := newTestMongoRepository(t)
	ctx := context.Background()
	for i, id := range []string{"m1", "m2", "m3"} {
		_, err := r.Insert(ctx, newMsg(id, "a", "b", time.Duration(i)*time.Second, domain.StatusSent))
		require.NoError(t, err)
	}

	_, changed, err := r.AdvanceStatus(ctx, "m1", domain.StatusSeen)
	require.NoError(t, err)
	require.True(t, changed)

	seen, err := r.MarkAllSeen(ctx, "b", "a")
	require.NoError(t, err)
	got := []string{}
	for _, m := range seen {
		got = append(got, m.ID)
		assert.Equal(t, domain.StatusSeen, m.Status)
	}
	assert.Equal(t, []string{"m2", "m3"}, got)
}

// Every message must be reported flipped exactly once across single reads
// and bulk reads racing each other.
func TestMongoMarkAllSeenInterleavedWithMarkRead(t *testing.T) {
	r := newTestMongoRepository(t)
	ctx := context.Background()
	const n = 40
	for i := 0; i < n; i++ {
		_, err := r.Insert(ctx, newMsg(fmt.Sprintf("m%02d", i), "a", "b", time.Duration(i)*time.Millisecond, domain.StatusSent))
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		flipped = map[string]int{}
		wg      sync.WaitGroup
	)
	record := func(id string) {
		mu.Lock()
		flipped[id]++
		mu.Unlock()
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, changed, err := r.AdvanceStatus(ctx, id, domain.StatusSeen)
			assert.NoError(t, err)
			if changed {
				record(id)
			}
		}(fmt.Sprintf("m%02d", i))
	}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen, err := r.MarkAllSeen(ctx, "b", "a")
			assert.NoError(t, err)
			for _, m := range seen {
				record(m.ID)
			}
		}()
	}
	wg.Wait()

	require.Len(t, flipped, n)
	for id, count := range flipped {
		assert.Equal(t, 1, count, "message %s reported flipped more than once", id)
	}
}

func TestMongoHideFor(t *testing.T) {
	r := newTestMongoRepository(t)
	ctx := context.Background()
	_, err := r.Insert(ctx, newMsg("m1", "a", "b", 0, domain.StatusSent))
	require.NoError(t, err)

	m, err := r.HideFor(ctx, "m1", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", m.HiddenFor)
	m, err = r.HideFor(ctx, "m1", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", m.HiddenFor)
	m, err = r.HideFor(ctx, "m1", "b")
	require.NoError(t, err)
	assert.Equal(t, domain.HiddenForBoth, m.HiddenFor)

	_, err = r.HideFor(ctx, "m1", "eve")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = r.HideFor(ctx, "missing", "a")
	assert.ErrorIs(t, err, domain.ErrUnknownMessage)
}

func TestMongoHideForBothPartiesConcurrently(t *testing.T) {
	r := newTestMongoRepository(t)
	ctx := context.Background()
	const n = 20
	for i := 0; i < n; i++ {
		_, err := r.Insert(ctx, newMsg(fmt.Sprintf("h%02d", i), "a", "b", 0, domain.StatusSent))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("h%02d", i)
		for _, who := range []string{"a", "b"} {
			wg.Add(1)
			go func(who string) {
				defer wg.Done()
				_, err := r.HideFor(ctx, id, who)
				assert.NoError(t, err)
			}(who)
		}
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		m, err := r.FindByID(ctx, fmt.Sprintf("h%02d", i))
		require.NoError(t, err)
		assert.Equal(t, domain.HiddenForBoth, m.HiddenFor, m.ID)
	}
}

func TestMongoRepositoryLogsIndexFailure(t *testing.T) {
	coll := newTestCollection(t)
	// same name, different keys: CreateMany must fail
	_, err := coll.Indexes().CreateOne(context.Background(), mongo.IndexModel{
		Keys:    bson.D{{Key: "kind", Value: 1}},
		Options: options.Index().SetName("pair_created_idx"),
	})
	require.NoError(t, err)

	core, logs := observer.New(zapcore.ErrorLevel)
	NewMongoRepository(coll, zap.New(core).Sugar())
	assert.Equal(t, 1, logs.FilterMessage("failed to create message indexes").Len())
}
