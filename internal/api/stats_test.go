package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/validator/internal/model"
	"github.com/seantiz/validator/internal/store"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	record := func(validatorType, status, callback string, durationMS int) {
		t.Helper()
		now := time.Now().UTC()
		r := &model.Run{
			ID:             model.NewID(),
			ValidatorType:  validatorType,
			Status:         status,
			Stage:          "DONE",
			CallbackStatus: callback,
			DurationMS:     &durationMS,
			StartedAt:      &now,
			FinishedAt:     &now,
		}
		if err := srv.store.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
	}
	for range 3 {
		record("ENERGYPLUS", model.StatusSuccess, model.CallbackDelivered, 100)
	}
	record("FMI", model.StatusFailure, model.CallbackFailed, 100)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByStatus[model.StatusSuccess] != 3 {
		t.Errorf("by_status[SUCCESS] = %d, want 3", stats.ByStatus[model.StatusSuccess])
	}
	if stats.ByStatus[model.StatusFailure] != 1 {
		t.Errorf("by_status[FAILURE] = %d, want 1", stats.ByStatus[model.StatusFailure])
	}
	if stats.ByValidator["ENERGYPLUS"] != 3 {
		t.Errorf("by_validator[ENERGYPLUS] = %d, want 3", stats.ByValidator["ENERGYPLUS"])
	}
	if stats.ByValidator["FMI"] != 1 {
		t.Errorf("by_validator[FMI] = %d, want 1", stats.ByValidator["FMI"])
	}
	if stats.AvgDurationMS != 100 {
		t.Errorf("avg_duration_ms = %f, want 100", stats.AvgDurationMS)
	}
	if stats.ByCallback[model.CallbackDelivered] != 3 || stats.ByCallback[model.CallbackFailed] != 1 {
		t.Errorf("by_callback = %v, want 3 delivered and 1 failed", stats.ByCallback)
	}
	if got := stats.StatusByValidator["FMI"][model.StatusFailure]; got != 1 {
		t.Errorf("status_by_validator[FMI][FAILURE] = %d, want 1", got)
	}
	if stats.PassRate != 0.75 {
		t.Errorf("pass_rate = %f, want 0.75", stats.PassRate)
	}
	if stats.CallbackFailureRate != 0.25 {
		t.Errorf("callback_failure_rate = %f, want 0.25", stats.CallbackFailureRate)
	}
}

func TestStatsRatesIgnoreRunningAndSkipped(t *testing.T) {
	got := newStatsResponse(&store.RunStats{
		Total: 4,
		CountByStatus: map[string]int{
			model.StatusRunning: 2,
			model.StatusSuccess: 1,
			model.StatusError:   1,
		},
		CountByCallback: map[string]int{
			model.CallbackSkipped:   1,
			model.CallbackDelivered: 1,
		},
	})

	if got.Running != 2 {
		t.Errorf("running = %d, want 2", got.Running)
	}
	if got.PassRate != 0.5 {
		t.Errorf("pass_rate = %f, want 0.5", got.PassRate)
	}
	if got.CallbackFailureRate != 0 {
		t.Errorf("callback_failure_rate = %f, want 0", got.CallbackFailureRate)
	}
}

func TestStatsRatesWithNoFinishedRuns(t *testing.T) {
	got := newStatsResponse(&store.RunStats{
		Total:         1,
		CountByStatus: map[string]int{model.StatusRunning: 1},
	})
	if got.PassRate != 0 || got.CallbackFailureRate != 0 {
		t.Errorf("rates = %f/%f, want 0/0", got.PassRate, got.CallbackFailureRate)
	}
}
