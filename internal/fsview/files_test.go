package fsview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataFileName_Base(t *testing.T) {
	b, l, ok := ParseDataFileName("2024/03/15", "2024/03/15/file-1_tok-a_20240315093045123.base")
	require.True(t, ok)
	require.NotNil(t, b)
	assert.Nil(t, l)
	assert.Equal(t, "file-1", b.FileID)
	assert.Equal(t, "tok-a", b.WriteToken)
	assert.Equal(t, "20240315093045123", b.InstantTime)
}

func TestParseDataFileName_Log(t *testing.T) {
	b, l, ok := ParseDataFileName("2024/03/15", "2024/03/15/.file-1_20240315093045123.log.2")
	require.True(t, ok)
	assert.Nil(t, b)
	require.NotNil(t, l)
	assert.Equal(t, "file-1", l.FileID)
	assert.Equal(t, "20240315093045123", l.InstantTime)
	assert.Equal(t, 2, l.Version)
}

func TestParseDataFileName_Rejects(t *testing.T) {
	for _, bad := range []string{
		"p/file-1.base",
		"p/file-1_tok.base",
		"p/file-1_tok_notatime.base",
		"p/.file-1.log.1",
		"p/.file-1_20240315093045123.log.x",
		"p/random.txt",
		"p/_tok_20240315093045123.base",
	} {
		_, _, ok := ParseDataFileName("p", bad)
		assert.False(t, ok, "expected reject: %q", bad)
	}
}

func TestFileNames_Roundtrip(t *testing.T) {
	b, _, ok := ParseDataFileName("p", "p/"+BaseFileName("f1", "tok", "20240315093045123"))
	require.True(t, ok)
	assert.Equal(t, "f1", b.FileID)

	_, l, ok := ParseDataFileName("p", "p/"+LogFileName("f1", "20240315093045123", 3))
	require.True(t, ok)
	assert.Equal(t, 3, l.Version)
}

func TestBuildFileGroups_SlicesNewestFirst(t *testing.T) {
	bases := []BaseFile{
		{Path: "p/f1_a_20240315093045001.base", FileID: "f1", WriteToken: "a", InstantTime: "20240315093045001"},
		{Path: "p/f1_a_20240315093045005.base", FileID: "f1", WriteToken: "a", InstantTime: "20240315093045005"},
	}
	logs := []LogFile{
		{Path: "p/.f1_20240315093045002.log.1", FileID: "f1", InstantTime: "20240315093045002", Version: 1},
		{Path: "p/.f1_20240315093045007.log.1", FileID: "f1", InstantTime: "20240315093045007", Version: 1},
	}

	groups := BuildFileGroups("p", bases, logs)
	require.Len(t, groups, 1)
	g := groups[0]
	require.Len(t, g.Slices, 2)

	// Newest slice first, carrying only the logs written on top of it.
	assert.Equal(t, "20240315093045005", g.Slices[0].BaseInstantTime)
	require.Len(t, g.Slices[0].LogFiles, 1)
	assert.Equal(t, "20240315093045007", g.Slices[0].LogFiles[0].InstantTime)

	assert.Equal(t, "20240315093045001", g.Slices[1].BaseInstantTime)
	require.Len(t, g.Slices[1].LogFiles, 1)
	assert.Equal(t, "20240315093045002", g.Slices[1].LogFiles[0].InstantTime)
}

func TestBuildFileGroups_OrphanLogsFormLogOnlySlice(t *testing.T) {
	logs := []LogFile{
		{Path: "p/.f1_20240315093045001.log.1", FileID: "f1", InstantTime: "20240315093045001", Version: 1},
		{Path: "p/.f1_20240315093045002.log.1", FileID: "f1", InstantTime: "20240315093045002", Version: 1},
	}

	groups := BuildFileGroups("p", nil, logs)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Slices, 1)
	s := groups[0].Slices[0]
	assert.False(t, s.HasBaseFile())
	assert.Equal(t, "20240315093045001", s.BaseInstantTime)
	assert.Len(t, s.LogFiles, 2)
}

func TestBuildFileGroups_DeduplicatesConcurrentAttempts(t *testing.T) {
	// Two write attempts for the same instant; exactly one survives and the
	// greatest token wins deterministically.
	bases := []BaseFile{
		{Path: "p/f1_aaa_20240315093045001.base", FileID: "f1", WriteToken: "aaa", InstantTime: "20240315093045001"},
		{Path: "p/f1_zzz_20240315093045001.base", FileID: "f1", WriteToken: "zzz", InstantTime: "20240315093045001"},
	}
	groups := BuildFileGroups("p", bases, nil)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Slices, 1)
	assert.Equal(t, "zzz", groups[0].Slices[0].BaseFile.WriteToken)
}

func TestFileGroup_LatestSliceBeforeOrOn(t *testing.T) {
	g := FileGroup{FileID: "f1", Slices: []FileSlice{
		{FileID: "f1", BaseInstantTime: "20240315093045005"},
		{FileID: "f1", BaseInstantTime: "20240315093045001"},
	}}

	s, ok := g.LatestSliceBeforeOrOn("20240315093045003")
	require.True(t, ok)
	assert.Equal(t, "20240315093045001", s.BaseInstantTime)

	s, ok = g.LatestSliceBeforeOrOn("20240315093045009")
	require.True(t, ok)
	assert.Equal(t, "20240315093045005", s.BaseInstantTime)

	_, ok = g.LatestSliceBeforeOrOn("20240315093045000")
	assert.False(t, ok)
}
