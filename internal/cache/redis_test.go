package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyinsider/shadowflow/internal/store"
)

func sampleResult() *store.Result {
	return &store.Result{
		CycleID:    12,
		AsOf:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		TradeCount: 40,
		Assessment: store.RiskAssessment{
			Score: 72.5,
			Band:  store.BandHigh,
			Stats: store.WindowStats{TotalVolume: decimal.NewFromInt(1200)},
		},
	}
}

func TestPublish(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewResultCacheWithClient(db, time.Minute)
	r := sampleResult()

	result, err := json.Marshal(r)
	require.NoError(t, err)
	assessment, err := json.Marshal(r.Assessment)
	require.NoError(t, err)

	mock.ExpectTxPipeline()
	mock.ExpectSet(KeyLatestResult, string(result), time.Minute).SetVal("OK")
	mock.ExpectSet(KeyLatestAssessment, string(assessment), time.Minute).SetVal("OK")
	mock.ExpectTxPipelineExec()

	require.NoError(t, c.Publish(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewResultCacheWithClient(db, time.Minute)
	r := sampleResult()
	result, _ := json.Marshal(r)

	assessment, _ := json.Marshal(r.Assessment)

	mock.ExpectTxPipeline()
	mock.ExpectSet(KeyLatestResult, string(result), time.Minute).SetVal("OK")
	mock.ExpectSet(KeyLatestAssessment, string(assessment), time.Minute).SetErr(redis.TxFailedErr)
	mock.ExpectTxPipelineExec()

	err := c.Publish(context.Background(), r)
	assert.ErrorContains(t, err, "redis publish")
}

// Without MULTI the two keys could be written by separate round trips.
func TestPublishUsesTransaction(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewResultCacheWithClient(db, time.Minute)
	r := sampleResult()
	result, _ := json.Marshal(r)

	mock.ExpectSet(KeyLatestResult, string(result), time.Minute).SetVal("OK")

	assert.Error(t, c.Publish(context.Background(), r))
}

func TestLatest(t *testing.T) {
	ctx := context.Background()

	t.Run("hit", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		c := NewResultCacheWithClient(db, time.Minute)
		payload, _ := json.Marshal(sampleResult())
		mock.ExpectGet(KeyLatestResult).SetVal(string(payload))

		r, found, err := c.Latest(ctx)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(12), r.CycleID)
		assert.Equal(t, store.BandHigh, r.Assessment.Band)
		assert.True(t, r.Assessment.Stats.TotalVolume.Equal(decimal.NewFromInt(1200)))
	})

	t.Run("miss", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		c := NewResultCacheWithClient(db, time.Minute)
		mock.ExpectGet(KeyLatestResult).RedisNil()

		r, found, err := c.Latest(ctx)
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, r)
	})

	t.Run("corrupt", func(t *testing.T) {
		db, mock := redismock.NewClientMock()
		c := NewResultCacheWithClient(db, time.Minute)
		mock.ExpectGet(KeyLatestResult).SetVal("{not json")

		_, _, err := c.Latest(ctx)
		assert.ErrorContains(t, err, "decode cached result")
	})
}
