package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/moexadvisor/internal/advisor"
)

func setupRedisStore(t *testing.T, ttl time.Duration) (*RedisCheckpointStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisCheckpointStore(client, RedisCheckpointConfig{TTL: ttl})
	require.NoError(t, err)
	return store, mr
}

func sampleState() *State {
	st := NewState("s1")
	st.MessageFromUser = "Проанализируй портфель"
	st.Portfolio = advisor.Portfolio{"SBER": {Quantity: 10, AvgPrice: 250}}
	st.News = []advisor.NewsItem{{Ticker: "SBER", Title: "t", Summary: "s"}}
	st.Stage = NodeRisk
	st.Trail = []NodeID{NodeDiscussion, NodeRisk}
	st.Turn = 1
	return st
}

func TestCheckpointStores(t *testing.T) {
	redisStore, _ := setupRedisStore(t, 0)
	stores := map[string]CheckpointStore{
		"memory": NewMemoryCheckpointStore(),
		"redis":  redisStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Load(ctx, "s1")
			assert.ErrorIs(t, err, ErrNoCheckpoint)

			st := sampleState()
			require.NoError(t, store.Save(ctx, st))

			loaded, err := store.Load(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, st.Portfolio, loaded.Portfolio)
			assert.Equal(t, st.News, loaded.News)
			assert.Equal(t, st.Trail, loaded.Trail)
			assert.Equal(t, NodeRisk, loaded.Stage)

			// The caller's state is not aliased by the store.
			st.Portfolio["GAZP"] = advisor.Position{Quantity: 1}
			again, err := store.Load(ctx, "s1")
			require.NoError(t, err)
			assert.NotContains(t, again.Portfolio, "GAZP")

			require.NoError(t, store.Delete(ctx, "s1"))
			_, err = store.Load(ctx, "s1")
			assert.ErrorIs(t, err, ErrNoCheckpoint)
		})
	}
}

func TestRedisCheckpointStore_KeyAndTTL(t *testing.T) {
	store, mr := setupRedisStore(t, time.Hour)

	require.NoError(t, store.Save(context.Background(), sampleState()))

	key := "moexadvisor:checkpoint:session:s1"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, time.Hour, mr.TTL(key))

	mr.FastForward(2 * time.Hour)
	_, err := store.Load(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestRedisCheckpointStore_CorruptData(t *testing.T) {
	store, mr := setupRedisStore(t, 0)
	require.NoError(t, mr.Set("moexadvisor:checkpoint:session:bad", "{not json"))

	_, err := store.Load(context.Background(), "bad")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoCheckpoint)
}

func TestNewRedisCheckpointStore_Errors(t *testing.T) {
	_, err := NewRedisCheckpointStore(nil, RedisCheckpointConfig{})
	assert.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()
	_, err = NewRedisCheckpointStore(client, RedisCheckpointConfig{})
	assert.ErrorContains(t, err, "failed to connect to Redis")
}

func TestGraph_RedisCheckpointsEveryStep(t *testing.T) {
	store, mr := setupRedisStore(t, 0)
	llm := &scriptedLLM{respond: defaultResponder("analysis")}
	g := newTestGraph(llm, newLoader(), WithCheckpointStore(store))

	res := g.Run(context.Background(), "redis-session", "Проанализируй портфель")
	require.Empty(t, res.Error)
	assert.True(t, mr.Exists("moexadvisor:checkpoint:session:redis-session"))

	st, err := g.State(context.Background(), "redis-session")
	require.NoError(t, err)
	assert.Equal(t, NodeEnd, st.Stage)
	assert.Len(t, st.RiskAssessments, 2)
	assert.Equal(t, res.FinalRecommendation, st.FinalRecommendation)
}

func TestGraph_CheckpointLoadFailureStartsFresh(t *testing.T) {
	store, mr := setupRedisStore(t, 0)
	require.NoError(t, mr.Set("moexadvisor:checkpoint:session:s", "garbage"))

	llm := &scriptedLLM{respond: defaultResponder("analysis")}
	loader := newLoader()
	res := newTestGraph(llm, loader, WithCheckpointStore(store)).Run(context.Background(), "s", "анализ")

	require.Empty(t, res.Error)
	assert.Equal(t, 1, loader.portfolioLoads)
}
