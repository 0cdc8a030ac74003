package log

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func createTestLogFile(t *testing.T, events []Event) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.mlog")

	logger, err := NewFileLogger(path)
	require.NoError(t, err)

	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()

	return path
}

func drainReader(t *testing.T, reader *Reader) []Event {
	t.Helper()
	var read []Event
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		read = append(read, event)
	}
	return read
}

func TestReaderIteratesEvents(t *testing.T) {
	events := []Event{
		{Timestamp: time.Now(), ConnectionID: "conn-1", Direction: DirectionIn, Layer: LayerTransport, Category: CategoryMessage},
		{Timestamp: time.Now(), ConnectionID: "conn-2", Direction: DirectionOut, Layer: LayerDispatch, Category: CategoryMessage},
		{Timestamp: time.Now(), ConnectionID: "conn-3", Direction: DirectionIn, Layer: LayerSupervisor, Category: CategoryState},
	}

	path := createTestLogFile(t, events)

	reader, err := NewReader(path)
	require.NoError(t, err)
	defer reader.Close()

	read := drainReader(t, reader)

	require.Len(t, read, 3)
	require.Equal(t, "conn-1", read[0].ConnectionID)
	require.Equal(t, "conn-3", read[2].ConnectionID)
}

func TestReaderHandlesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.mlog")

	logger, err := NewFileLogger(path)
	require.NoError(t, err)
	logger.Close()

	reader, err := NewReader(path)
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderReturnsEOFAfterLastEvent(t *testing.T) {
	events := []Event{
		{Timestamp: time.Now(), ConnectionID: "conn-1", Direction: DirectionIn, Layer: LayerTransport, Category: CategoryMessage},
	}

	path := createTestLogFile(t, events)

	reader, err := NewReader(path)
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.Next()
	require.NoError(t, err)

	_, err = reader.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderFilterByConnectionID(t *testing.T) {
	events := []Event{
		{Timestamp: time.Now(), ConnectionID: "conn-A", Direction: DirectionIn, Layer: LayerTransport, Category: CategoryMessage},
		{Timestamp: time.Now(), ConnectionID: "conn-B", Direction: DirectionOut, Layer: LayerDispatch, Category: CategoryMessage},
		{Timestamp: time.Now(), ConnectionID: "conn-A", Direction: DirectionIn, Layer: LayerSupervisor, Category: CategoryState},
		{Timestamp: time.Now(), ConnectionID: "conn-C", Direction: DirectionOut, Layer: LayerTransport, Category: CategoryMessage},
	}

	path := createTestLogFile(t, events)

	filter := Filter{ConnectionID: "conn-A"}
	reader, err := NewFilteredReader(path, filter)
	require.NoError(t, err)
	defer reader.Close()

	read := drainReader(t, reader)

	require.Len(t, read, 2)
	for _, e := range read {
		require.Equal(t, "conn-A", e.ConnectionID)
	}
}

func TestReaderFilterByLayer(t *testing.T) {
	events := []Event{
		{Timestamp: time.Now(), ConnectionID: "conn-1", Direction: DirectionIn, Layer: LayerTransport, Category: CategoryMessage},
		{Timestamp: time.Now(), ConnectionID: "conn-2", Direction: DirectionOut, Layer: LayerDispatch, Category: CategoryMessage},
		{Timestamp: time.Now(), ConnectionID: "conn-3", Direction: DirectionIn, Layer: LayerDispatch, Category: CategoryMessage},
		{Timestamp: time.Now(), ConnectionID: "conn-4", Direction: DirectionOut, Layer: LayerSupervisor, Category: CategoryState},
	}

	path := createTestLogFile(t, events)

	layer := LayerDispatch
	filter := Filter{Layer: &layer}
	reader, err := NewFilteredReader(path, filter)
	require.NoError(t, err)
	defer reader.Close()

	read := drainReader(t, reader)

	require.Len(t, read, 2)
	for _, e := range read {
		require.Equal(t, LayerDispatch, e.Layer)
	}
}

func TestReaderFilterByTimeRange(t *testing.T) {
	baseTime := time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC)

	events := []Event{
		{Timestamp: baseTime.Add(-1 * time.Hour), ConnectionID: "conn-1", Direction: DirectionIn, Layer: LayerTransport, Category: CategoryMessage},
		{Timestamp: baseTime, ConnectionID: "conn-2", Direction: DirectionOut, Layer: LayerDispatch, Category: CategoryMessage},
		{Timestamp: baseTime.Add(30 * time.Minute), ConnectionID: "conn-3", Direction: DirectionIn, Layer: LayerSupervisor, Category: CategoryState},
		{Timestamp: baseTime.Add(2 * time.Hour), ConnectionID: "conn-4", Direction: DirectionOut, Layer: LayerTransport, Category: CategoryMessage},
	}

	path := createTestLogFile(t, events)

	start := baseTime.Add(-5 * time.Minute)
	end := baseTime.Add(1 * time.Hour)
	filter := Filter{
		TimeStart: &start,
		TimeEnd:   &end,
	}
	reader, err := NewFilteredReader(path, filter)
	require.NoError(t, err)
	defer reader.Close()

	read := drainReader(t, reader)

	require.Len(t, read, 2, "events within time range")
	require.Equal(t, "conn-2", read[0].ConnectionID)
	require.Equal(t, "conn-3", read[1].ConnectionID)
}

func TestReaderFilterByDirection(t *testing.T) {
	events := []Event{
		{Timestamp: time.Now(), ConnectionID: "conn-1", Direction: DirectionIn, Layer: LayerTransport, Category: CategoryMessage},
		{Timestamp: time.Now(), ConnectionID: "conn-2", Direction: DirectionOut, Layer: LayerDispatch, Category: CategoryMessage},
		{Timestamp: time.Now(), ConnectionID: "conn-3", Direction: DirectionIn, Layer: LayerSupervisor, Category: CategoryState},
		{Timestamp: time.Now(), ConnectionID: "conn-4", Direction: DirectionOut, Layer: LayerTransport, Category: CategoryControl},
	}

	path := createTestLogFile(t, events)

	dir := DirectionOut
	filter := Filter{Direction: &dir}
	reader, err := NewFilteredReader(path, filter)
	require.NoError(t, err)
	defer reader.Close()

	read := drainReader(t, reader)

	require.Len(t, read, 2)
	for _, e := range read {
		require.Equal(t, DirectionOut, e.Direction)
	}
}

func TestReaderCombinedFilters(t *testing.T) {
	events := []Event{
		{Timestamp: time.Now(), ConnectionID: "conn-A", Direction: DirectionIn, Layer: LayerTransport, Category: CategoryMessage},
		{Timestamp: time.Now(), ConnectionID: "conn-A", Direction: DirectionOut, Layer: LayerDispatch, Category: CategoryMessage},
		{Timestamp: time.Now(), ConnectionID: "conn-B", Direction: DirectionIn, Layer: LayerDispatch, Category: CategoryMessage},
		{Timestamp: time.Now(), ConnectionID: "conn-A", Direction: DirectionIn, Layer: LayerDispatch, Category: CategoryMessage},
	}

	path := createTestLogFile(t, events)

	layer := LayerDispatch
	dir := DirectionIn
	filter := Filter{
		ConnectionID: "conn-A",
		Layer:        &layer,
		Direction:    &dir,
	}
	reader, err := NewFilteredReader(path, filter)
	require.NoError(t, err)
	defer reader.Close()

	read := drainReader(t, reader)

	require.Len(t, read, 1, "only the last event matches all criteria")
	require.Equal(t, "conn-A", read[0].ConnectionID)
	require.Equal(t, LayerDispatch, read[0].Layer)
	require.Equal(t, DirectionIn, read[0].Direction)
}
