package statistics

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreConcurrencySafe(t *testing.T) {
	s := NewStatistics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.IncrementFilesFound()
			s.IncrementFilesProcessed()
			s.AddBytes(2048, 1024)
			s.AddQualityAttempts(3)
			s.IncrementFileType("JPEG")
			if i%10 == 0 {
				s.AddError(fmt.Sprintf("f%d.jpg", i), "recompress", "boom")
			}
		}(i)
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, int64(50), snap.TotalFilesFound)
	assert.Equal(t, int64(50), snap.TotalFilesProcessed)
	assert.Equal(t, int64(150), snap.QualityAttempts)
	assert.Equal(t, int64(50*1024), snap.BytesSaved)
	assert.Len(t, s.GetErrors(), 5)
	assert.Equal(t, int64(50), s.FileTypeStats["JPEG"])
}

func TestSummary(t *testing.T) {
	s := NewStatistics()
	s.IncrementFilesRecompressed()
	s.IncrementFilesOverBudget()
	s.AddHalvings(2)
	s.AddBytes(3*1024*1024, 1024*1024)
	s.Finalize()

	summary := s.GetSummary()
	assert.Contains(t, summary, "Recompressed: 1")
	assert.Contains(t, summary, "Over Budget (best effort): 1")
	assert.Contains(t, summary, "Halvings: 2")
	assert.Contains(t, summary, "Saved: 2.0 MiB")
	assert.False(t, s.EndTime.IsZero())
}

func TestErrorSummaryTruncates(t *testing.T) {
	s := NewStatistics()
	assert.Equal(t, "No errors occurred during processing", s.GetErrorSummary())

	for i := 0; i < 12; i++ {
		s.AddError(fmt.Sprintf("f%d.png", i), "decode", "bad data")
	}
	summary := s.GetErrorSummary()
	assert.Contains(t, summary, "Errors (12 total)")
	assert.Contains(t, summary, "... and 2 more errors")
}

func TestFileTypeBreakdownIsSorted(t *testing.T) {
	s := NewStatistics()
	assert.Equal(t, "No file type statistics available", s.GetFileTypeBreakdown())

	s.IncrementFileType("PNG")
	s.IncrementFileType("JPEG")
	s.IncrementFileType("JPEG")
	require.Equal(t, "File Type Breakdown:\n  JPEG: 2\n  PNG: 1\n", s.GetFileTypeBreakdown())
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KiB", FormatBytes(1536))
	assert.Equal(t, "-1.0 KiB", FormatBytes(-1024))
}
