package pricehistory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/storage"
	"github.com/uhyunpark/stockmatch/pkg/storage/memstore"
	"github.com/uhyunpark/stockmatch/pkg/storage/storagetest"
	"github.com/uhyunpark/stockmatch/pkg/util"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name string
		seq  []int64
		want core.DailyPrice
	}{
		{"single", []int64{100}, core.DailyPrice{Open: 100, High: 100, Low: 100, Close: 100}},
		{"rise", []int64{100, 120}, core.DailyPrice{Open: 100, High: 120, Low: 100, Close: 120}},
		{"fall", []int64{100, 80}, core.DailyPrice{Open: 100, High: 100, Low: 80, Close: 80}},
		{"round trip", []int64{100, 130, 70, 100}, core.DailyPrice{Open: 100, High: 130, Low: 70, Close: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cur *core.DailyPrice
			for _, p := range tt.seq {
				next := Apply(cur, 1, "2024-01-02", p)
				cur = &next
			}
			tt.want.InstrumentID = 1
			tt.want.Day = "2024-01-02"
			assert.Equal(t, tt.want, *cur)
		})
	}
}

func TestApplyMatchesSequenceSummary(t *testing.T) {
	seq := []int64{50, 52, 49, 49, 61, 58, 40, 45}
	var cur *core.DailyPrice
	for _, p := range seq {
		next := Apply(cur, 1, "d", p)
		cur = &next
	}
	assert.Equal(t, seq[0], cur.Open)
	assert.Equal(t, seq[len(seq)-1], cur.Close)
	assert.Equal(t, int64(61), cur.High)
	assert.Equal(t, int64(40), cur.Low)
}

func TestRecordSplitsDaysInReferenceZone(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(time.Second)
	_, ins := storagetest.Seed(t, s, 1, "ACME", 0)

	seoul, err := util.LoadZone("Asia/Seoul")
	require.NoError(t, err)
	tr := NewTracker(seoul)

	record := func(price int64, at time.Time) {
		require.NoError(t, storage.Update(ctx, s, func(tx storage.Tx) error {
			_, err := tr.Record(ctx, tx, ins, price, at)
			return err
		}))
	}

	// 23:30 and 23:50 KST on the 3rd, then 00:10 KST on the 4th
	record(100, time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC))
	record(90, time.Date(2024, 6, 3, 14, 50, 0, 0, time.UTC))
	record(95, time.Date(2024, 6, 3, 15, 10, 0, 0, time.UTC))
	// a late fill still lands on the 4th
	record(97, time.Date(2024, 6, 3, 16, 0, 0, 0, time.UTC))

	require.NoError(t, storage.View(ctx, s, func(tx storage.Tx) error {
		d3, err := tx.GetDailyPrice(ctx, ins, "2024-06-03")
		require.NoError(t, err)
		require.NotNil(t, d3)
		assert.Equal(t, core.DailyPrice{InstrumentID: ins, Day: "2024-06-03", Open: 100, High: 100, Low: 90, Close: 90}, *d3)

		d4, err := tx.GetDailyPrice(ctx, ins, "2024-06-04")
		require.NoError(t, err)
		require.NotNil(t, d4)
		assert.Equal(t, core.DailyPrice{InstrumentID: ins, Day: "2024-06-04", Open: 95, High: 97, Low: 95, Close: 97}, *d4)

		got, err := tx.GetInstrument(ctx, ins)
		require.NoError(t, err)
		assert.Equal(t, int64(97), got.Price)
		return nil
	}))
}

func TestRecordRejectsNonPositive(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(time.Second)
	_, ins := storagetest.Seed(t, s, 1, "ACME", 0)
	tr := NewTracker(time.UTC)

	err := storage.Update(ctx, s, func(tx storage.Tx) error {
		_, err := tr.Record(ctx, tx, ins, 0, time.Now())
		return err
	})
	assert.True(t, core.IsDefect(err))
}
