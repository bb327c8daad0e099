package timeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordAndQuery(t *testing.T) {
	s := NewStore()
	s.Record(Event{TaskID: "t1", Stage: "CREATED"})
	s.Record(Event{TaskID: "t2", Stage: "CREATED"})
	s.Record(Event{TaskID: "t1", SubtaskID: "s1", Stage: "DISPATCHED"})

	events := s.EventsForTask("t1")
	require.Len(t, events, 2)
	require.Equal(t, "CREATED", events[0].Stage)
	require.Equal(t, "DISPATCHED", events[1].Stage)
	require.False(t, events[0].Timestamp.IsZero())
}

func TestRecent_Bounds(t *testing.T) {
	s := NewStore()
	for i := 0; i < 10; i++ {
		s.Record(Event{TaskID: fmt.Sprintf("t%d", i), Stage: "CREATED"})
	}
	recent := s.Recent(3)
	require.Len(t, recent, 3)
	require.Equal(t, "t7", recent[0].TaskID)
	require.Equal(t, "t9", recent[2].TaskID)
}

func TestRingWrapKeepsNewest(t *testing.T) {
	s := NewStore()
	total := defaultCapacity + 10
	for i := 0; i < total; i++ {
		s.Record(Event{TaskID: fmt.Sprintf("t%d", i), Stage: "CREATED"})
	}
	all := s.Recent(0)
	require.Len(t, all, defaultCapacity)
	require.Equal(t, fmt.Sprintf("t%d", total-1), all[len(all)-1].TaskID)
	require.Equal(t, fmt.Sprintf("t%d", total-defaultCapacity), all[0].TaskID)
}
