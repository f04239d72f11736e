package log

import (
	"io"
	"path/filepath"
	"testing"
	"time"
)

func createTestLogFile(t *testing.T, events []Event) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.clog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create test log: %v", err)
	}

	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()

	return path
}

func TestReaderIteratesEvents(t *testing.T) {
	events := []Event{
		{Timestamp: time.Now(), SessionUUID: "sess-1", Layer: LayerCP, Category: CategoryAbstractCP},
		{Timestamp: time.Now(), SessionUUID: "sess-2", Layer: LayerCharger, Category: CategoryStateChange},
		{Timestamp: time.Now(), SessionUUID: "sess-3", Layer: LayerErrorAggregator, Category: CategoryError},
	}

	path := createTestLogFile(t, events)

	reader, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	var read []Event
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		read = append(read, event)
	}

	if len(read) != 3 {
		t.Fatalf("got %d events, want 3", len(read))
	}

	if read[0].SessionUUID != "sess-1" {
		t.Errorf("first event SessionUUID = %q, want %q", read[0].SessionUUID, "sess-1")
	}
	if read[2].SessionUUID != "sess-3" {
		t.Errorf("last event SessionUUID = %q, want %q", read[2].SessionUUID, "sess-3")
	}
}

func TestReaderHandlesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.clog")

	logger, _ := NewFileLogger(path)
	logger.Close()

	reader, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	event, err := reader.Next()
	if err != io.EOF {
		t.Errorf("expected io.EOF, got err=%v, event=%+v", err, event)
	}
}

func TestReaderReturnsEOFAfterLastEvent(t *testing.T) {
	events := []Event{
		{Timestamp: time.Now(), SessionUUID: "sess-1", Layer: LayerCP, Category: CategoryAbstractCP},
	}

	path := createTestLogFile(t, events)

	reader, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	_, err = reader.Next()
	if err != nil {
		t.Fatalf("first Next failed: %v", err)
	}

	_, err = reader.Next()
	if err != io.EOF {
		t.Errorf("expected io.EOF after all events, got %v", err)
	}
}

func TestReaderFilterBySessionUUID(t *testing.T) {
	events := []Event{
		{Timestamp: time.Now(), SessionUUID: "sess-A", Layer: LayerCP, Category: CategoryAbstractCP},
		{Timestamp: time.Now(), SessionUUID: "sess-B", Layer: LayerCharger, Category: CategoryStateChange},
		{Timestamp: time.Now(), SessionUUID: "sess-A", Layer: LayerCharger, Category: CategoryStateChange},
		{Timestamp: time.Now(), SessionUUID: "sess-C", Layer: LayerCP, Category: CategoryAbstractCP},
	}

	path := createTestLogFile(t, events)

	filter := Filter{SessionUUID: "sess-A"}
	reader, err := NewFilteredReader(path, filter)
	if err != nil {
		t.Fatalf("NewFilteredReader failed: %v", err)
	}
	defer reader.Close()

	var read []Event
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		read = append(read, event)
	}

	if len(read) != 2 {
		t.Fatalf("got %d events, want 2", len(read))
	}

	for _, e := range read {
		if e.SessionUUID != "sess-A" {
			t.Errorf("event has SessionUUID=%q, want %q", e.SessionUUID, "sess-A")
		}
	}
}

func TestReaderFilterByLayer(t *testing.T) {
	events := []Event{
		{Timestamp: time.Now(), SessionUUID: "sess-1", Layer: LayerCP, Category: CategoryAbstractCP},
		{Timestamp: time.Now(), SessionUUID: "sess-2", Layer: LayerCharger, Category: CategoryStateChange},
		{Timestamp: time.Now(), SessionUUID: "sess-3", Layer: LayerCharger, Category: CategoryStateChange},
		{Timestamp: time.Now(), SessionUUID: "sess-4", Layer: LayerErrorAggregator, Category: CategoryError},
	}

	path := createTestLogFile(t, events)

	layer := LayerCharger
	filter := Filter{Layer: &layer}
	reader, err := NewFilteredReader(path, filter)
	if err != nil {
		t.Fatalf("NewFilteredReader failed: %v", err)
	}
	defer reader.Close()

	var read []Event
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		read = append(read, event)
	}

	if len(read) != 2 {
		t.Fatalf("got %d events, want 2", len(read))
	}

	for _, e := range read {
		if e.Layer != LayerCharger {
			t.Errorf("event has Layer=%v, want %v", e.Layer, LayerCharger)
		}
	}
}

func TestReaderFilterByTimeRange(t *testing.T) {
	baseTime := time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC)

	events := []Event{
		{Timestamp: baseTime.Add(-1 * time.Hour), SessionUUID: "sess-1", Layer: LayerCP, Category: CategoryAbstractCP},
		{Timestamp: baseTime, SessionUUID: "sess-2", Layer: LayerCharger, Category: CategoryStateChange},
		{Timestamp: baseTime.Add(30 * time.Minute), SessionUUID: "sess-3", Layer: LayerCharger, Category: CategoryStateChange},
		{Timestamp: baseTime.Add(2 * time.Hour), SessionUUID: "sess-4", Layer: LayerCP, Category: CategoryAbstractCP},
	}

	path := createTestLogFile(t, events)

	start := baseTime.Add(-5 * time.Minute)
	end := baseTime.Add(1 * time.Hour)
	filter := Filter{
		TimeStart: &start,
		TimeEnd:   &end,
	}
	reader, err := NewFilteredReader(path, filter)
	if err != nil {
		t.Fatalf("NewFilteredReader failed: %v", err)
	}
	defer reader.Close()

	var read []Event
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		read = append(read, event)
	}

	if len(read) != 2 {
		t.Fatalf("got %d events, want 2 (events within time range)", len(read))
	}

	if read[0].SessionUUID != "sess-2" {
		t.Errorf("first event SessionUUID = %q, want %q", read[0].SessionUUID, "sess-2")
	}
	if read[1].SessionUUID != "sess-3" {
		t.Errorf("second event SessionUUID = %q, want %q", read[1].SessionUUID, "sess-3")
	}
}

func TestReaderCombinedFilters(t *testing.T) {
	events := []Event{
		{Timestamp: time.Now(), SessionUUID: "sess-A", Layer: LayerCP, Category: CategoryAbstractCP},
		{Timestamp: time.Now(), SessionUUID: "sess-A", Layer: LayerCharger, Category: CategoryStateChange},
		{Timestamp: time.Now(), SessionUUID: "sess-B", Layer: LayerCharger, Category: CategoryStateChange},
		{Timestamp: time.Now(), SessionUUID: "sess-A", Layer: LayerCharger, Category: CategoryError},
	}

	path := createTestLogFile(t, events)

	layer := LayerCharger
	cat := CategoryStateChange
	filter := Filter{
		SessionUUID: "sess-A",
		Layer:       &layer,
		Category:    &cat,
	}
	reader, err := NewFilteredReader(path, filter)
	if err != nil {
		t.Fatalf("NewFilteredReader failed: %v", err)
	}
	defer reader.Close()

	var read []Event
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		read = append(read, event)
	}

	if len(read) != 1 {
		t.Fatalf("got %d events, want 1", len(read))
	}

	if read[0].SessionUUID != "sess-A" || read[0].Layer != LayerCharger || read[0].Category != CategoryStateChange {
		t.Error("event doesn't match all filter criteria")
	}
}
