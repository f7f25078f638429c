package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/bombom/rpcgate/internal/aggregate"
)

func TestDetectFeaturesReadsColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"column_name"}).
		AddRow("requests_previous_hour").
		AddRow("requests_today").
		AddRow("origins_last_hour")
	mock.ExpectQuery("SELECT column_name FROM information_schema.columns").WillReturnRows(rows)

	s := NewWithDB(db)
	features, err := s.DetectFeatures(context.Background())
	if err != nil {
		t.Fatalf("DetectFeatures: %v", err)
	}
	if !features.SlidingWindow || !features.DailyLimits || !features.PerHourOriginMap {
		t.Errorf("expected all features detected, got %+v", features)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDetectFeaturesCachesAfterFirstCall(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"column_name"})
	mock.ExpectQuery("SELECT column_name FROM information_schema.columns").WillReturnRows(rows)

	s := NewWithDB(db)
	if _, err := s.DetectFeatures(context.Background()); err != nil {
		t.Fatalf("DetectFeatures: %v", err)
	}
	if _, err := s.DetectFeatures(context.Background()); err != nil {
		t.Fatalf("DetectFeatures (cached): %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expected exactly one query, unmet/extra expectations: %v", err)
	}
}

func TestFilterLocalLikeOriginsDropsLocal(t *testing.T) {
	in := map[string]int64{
		"example.com":     5,
		"localhost:3000":  3,
		"foo.internal":    2,
	}
	out := filterLocalLikeOrigins(in)
	if len(out) != 1 || out["example.com"] != 5 {
		t.Errorf("expected only example.com to survive, got %v", out)
	}
}

func TestUpsertOneFallsBackToLastWriteWinsWithoutMergeFunc(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO counters").WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewWithDB(db)
	err = s.upsertOne(context.Background(), "1.2.3.4", aggregate.IPCount{
		Count:   2,
		Origins: map[string]int64{"example.com": 2},
	}, false, true)
	if err != nil {
		t.Fatalf("upsertOne: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpsertOneOmitsDailyColumnsWhenFeatureAbsent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO counters").WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewWithDB(db)
	err = s.upsertOne(context.Background(), "1.2.3.4", aggregate.IPCount{
		Count:   2,
		Origins: map[string]int64{"example.com": 2},
	}, true, false)
	if err != nil {
		t.Fatalf("upsertOne: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
